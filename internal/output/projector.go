package output

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/apperr"
	"github.com/meintechblog/eos-engine/internal/database"
)

// Item statuses, worst to best: a consumer treats anything but ok and
// guarded as "do not act".
const (
	StatusOK      = "ok"
	StatusGuarded = "guarded"
	StatusBlocked = "blocked"
	StatusStale   = "stale"
	StatusMissing = "missing"
)

// BundleItem is the current control value for one output signal.
type BundleItem struct {
	SignalKey           string     `json:"signal_key"`
	Status              string     `json:"status"`
	RequestedPowerKw    *float64   `json:"requested_power_kw,omitempty"`
	OperationMode       *string    `json:"operation_mode,omitempty"`
	OperationModeFactor *float64   `json:"operation_mode_factor,omitempty"`
	EffectiveAt         *time.Time `json:"effective_at,omitempty"`
	SourceInstruction   *int64     `json:"source_instruction,omitempty"`
	GuardNote           *string    `json:"guard_note,omitempty"`
	LastFetchTs         *time.Time `json:"last_fetch_ts,omitempty"`
	LastFetchClient     *string    `json:"last_fetch_client,omitempty"`
	FetchCount          int64      `json:"fetch_count"`
}

// Bundle is one pull of the current output view.
type Bundle struct {
	CentralHTTPPath string                `json:"central_http_path"`
	RunID           int64                 `json:"run_id"`
	FetchedAt       time.Time             `json:"fetched_at"`
	Signals         map[string]BundleItem `json:"signals"`
}

// Projector reduces a run's plan into the stable output view consumers poll.
type Projector struct {
	db  *database.DB
	log zerolog.Logger
}

func NewProjector(db *database.DB, log zerolog.Logger) *Projector {
	return &Projector{db: db, log: log.With().Str("component", "output").Logger()}
}

// Resolve builds the bundle for a run (default: latest succeeded run),
// records the fetch, and merges the access state into each item.
func (p *Projector) Resolve(ctx context.Context, runID *int64, client string, fetchedAt time.Time) (*Bundle, error) {
	fetchedAt = fetchedAt.UTC()

	var run *database.RunRow
	var err error
	if runID != nil {
		run, err = p.db.GetRun(ctx, *runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, apperr.NotFound("run not found")
		}
	} else {
		run, err = p.db.LatestSucceededRun(ctx)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, apperr.NotFound("no succeeded run available")
		}
	}

	instructions, err := p.db.ListPlanInstructions(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		CentralHTTPPath: "/eos/get/outputs",
		RunID:           run.ID,
		FetchedAt:       fetchedAt,
		Signals:         reduceInstructions(instructions, fetchedAt),
	}

	keys := make([]string, 0, len(bundle.Signals))
	for k := range bundle.Signals {
		keys = append(keys, k)
	}
	if err := p.db.RecordOutputFetch(ctx, keys, client, fetchedAt); err != nil {
		p.log.Error().Err(err).Msg("record output fetch")
	}

	access, err := p.db.ListOutputAccess(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range access {
		item, ok := bundle.Signals[a.SignalKey]
		if !ok {
			continue
		}
		item.LastFetchTs = a.LastFetchTs
		item.LastFetchClient = a.LastFetchClient
		item.FetchCount = a.FetchCount
		bundle.Signals[a.SignalKey] = item
	}
	return bundle, nil
}

// reduceInstructions picks one current instruction per resource. Candidates
// must cover fetchedAt through execution_time (or the starts_at/ends_at
// window); among duplicates per (resource, execution_time) the highest
// instruction_index wins, ties broken by id. A resource whose instructions
// all lie in the past projects its newest one as stale.
func reduceInstructions(instructions []database.InstructionRow, fetchedAt time.Time) map[string]BundleItem {
	type best struct {
		current *database.InstructionRow
		past    *database.InstructionRow
	}
	byResource := map[string]*best{}

	for i := range instructions {
		in := &instructions[i]
		b, ok := byResource[in.ResourceID]
		if !ok {
			b = &best{}
			byResource[in.ResourceID] = b
		}

		if covers(in, fetchedAt) {
			if b.current == nil || preferInstruction(in, b.current) {
				b.current = in
			}
		} else if started(in, fetchedAt) {
			if b.past == nil || preferInstruction(in, b.past) {
				b.past = in
			}
		}
	}

	out := make(map[string]BundleItem, len(byResource))
	for resource, b := range byResource {
		in := b.current
		status := StatusOK
		switch {
		case in == nil && b.past != nil:
			in = b.past
			status = StatusStale
		case in == nil:
			out[resource] = BundleItem{SignalKey: resource, Status: StatusMissing}
			continue
		}

		if status == StatusOK {
			switch {
			case in.GuardApplied:
				status = StatusGuarded
			case in.OperationMode == nil && in.RequestedPowerW == nil:
				status = StatusBlocked
			}
		}

		item := BundleItem{
			SignalKey:           resource,
			Status:              status,
			OperationMode:       in.OperationMode,
			OperationModeFactor: in.OperationModeFactor,
			GuardNote:           in.GuardNote,
		}
		if in.RequestedPowerW != nil {
			kw := *in.RequestedPowerW / 1000
			item.RequestedPowerKw = &kw
		}
		if in.ExecutionTime != nil {
			item.EffectiveAt = in.ExecutionTime
		} else {
			item.EffectiveAt = in.StartsAt
		}
		id := in.ID
		item.SourceInstruction = &id
		out[resource] = item
	}
	return out
}

// covers reports whether an instruction is current at the given instant.
// An execution_time instruction is current from that instant until its
// successor; with no better signal a one-hour validity is assumed.
func covers(in *database.InstructionRow, at time.Time) bool {
	if in.StartsAt != nil {
		if in.StartsAt.After(at) {
			return false
		}
		if in.EndsAt != nil {
			return in.EndsAt.After(at)
		}
		return true
	}
	if in.ExecutionTime != nil {
		return !in.ExecutionTime.After(at) && in.ExecutionTime.Add(time.Hour).After(at)
	}
	return false
}

// started reports whether the instruction's window began before the instant.
func started(in *database.InstructionRow, at time.Time) bool {
	switch {
	case in.StartsAt != nil:
		return !in.StartsAt.After(at)
	case in.ExecutionTime != nil:
		return !in.ExecutionTime.After(at)
	default:
		return false
	}
}

// preferInstruction implements the duplicate rule: same effective instant →
// higher instruction_index wins, then higher id; otherwise the later
// effective instant wins.
func preferInstruction(a, b *database.InstructionRow) bool {
	at, bt := effectiveInstant(a), effectiveInstant(b)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	if a.InstructionIndex != b.InstructionIndex {
		return a.InstructionIndex > b.InstructionIndex
	}
	return a.ID > b.ID
}

func effectiveInstant(in *database.InstructionRow) time.Time {
	if in.ExecutionTime != nil {
		return *in.ExecutionTime
	}
	if in.StartsAt != nil {
		return *in.StartsAt
	}
	return time.Time{}
}

// ClientID derives the consumer identity: first x-forwarded-for hop, else
// the transport peer address.
func ClientID(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.SplitN(forwardedFor, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if idx := strings.LastIndex(remoteAddr, ":"); idx > 0 && !strings.HasSuffix(remoteAddr, "]") {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
