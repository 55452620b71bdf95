package params

// Field describes one externally writable setup field. The catalog is static;
// the database only stores events against it.
type Field struct {
	ID        string   `json:"id"`
	Category  string   `json:"category"`
	Label     string   `json:"label"`
	Path      string   `json:"path"` // dotted path into the profile payload
	ValueType string   `json:"value_type"` // number|bool|string
	Unit      string   `json:"unit,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Enum      []string `json:"enum,omitempty"`
}

// Category groups fields for the layout endpoint.
type Category struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`
}

func fp(v float64) *float64 { return &v }

var catalog = []Field{
	{ID: "battery.capacity_wh", Category: "battery", Label: "Battery capacity", Path: "devices.battery.capacity_wh", ValueType: "number", Unit: "Wh", Min: fp(100), Max: fp(1000000)},
	{ID: "battery.max_charge_power_w", Category: "battery", Label: "Max charge power", Path: "devices.battery.max_charge_power_w", ValueType: "number", Unit: "W", Min: fp(0), Max: fp(100000)},
	{ID: "battery.max_discharge_power_w", Category: "battery", Label: "Max discharge power", Path: "devices.battery.max_discharge_power_w", ValueType: "number", Unit: "W", Min: fp(0), Max: fp(100000)},
	{ID: "battery.min_soc_percentage", Category: "battery", Label: "Minimum SoC", Path: "devices.battery.min_soc_percentage", ValueType: "number", Unit: "%", Min: fp(0), Max: fp(100)},
	{ID: "battery.max_soc_percentage", Category: "battery", Label: "Maximum SoC", Path: "devices.battery.max_soc_percentage", ValueType: "number", Unit: "%", Min: fp(0), Max: fp(100)},
	{ID: "battery.initial_soc_percentage", Category: "battery", Label: "Current SoC", Path: "devices.battery.initial_soc_percentage", ValueType: "number", Unit: "%", Min: fp(0), Max: fp(100)},
	{ID: "battery.charging_efficiency", Category: "battery", Label: "Charging efficiency", Path: "devices.battery.charging_efficiency", ValueType: "number", Min: fp(0.5), Max: fp(1)},
	{ID: "battery.discharging_efficiency", Category: "battery", Label: "Discharging efficiency", Path: "devices.battery.discharging_efficiency", ValueType: "number", Min: fp(0.5), Max: fp(1)},

	{ID: "pv.peak_power_wp", Category: "pv", Label: "PV peak power", Path: "devices.pv.peak_power_wp", ValueType: "number", Unit: "Wp", Min: fp(0), Max: fp(200000)},
	{ID: "pv.azimuth_deg", Category: "pv", Label: "PV azimuth", Path: "devices.pv.azimuth_deg", ValueType: "number", Unit: "deg", Min: fp(-180), Max: fp(180)},
	{ID: "pv.tilt_deg", Category: "pv", Label: "PV tilt", Path: "devices.pv.tilt_deg", ValueType: "number", Unit: "deg", Min: fp(0), Max: fp(90)},
	{ID: "pv.inverter_power_w", Category: "pv", Label: "Inverter power", Path: "devices.pv.inverter_power_w", ValueType: "number", Unit: "W", Min: fp(0), Max: fp(200000)},
	{ID: "pv.provider", Category: "pv", Label: "PV forecast provider", Path: "prediction.pvforecast.provider", ValueType: "string", Enum: []string{"PVForecastAkkudoktor", "PVForecastImport"}},

	{ID: "grid.max_import_power_w", Category: "grid", Label: "Max grid import", Path: "devices.grid.max_import_power_w", ValueType: "number", Unit: "W", Min: fp(0), Max: fp(100000)},
	{ID: "grid.max_export_power_w", Category: "grid", Label: "Max grid export", Path: "devices.grid.max_export_power_w", ValueType: "number", Unit: "W", Min: fp(0), Max: fp(100000)},
	{ID: "grid.charge_from_grid_allowed", Category: "grid", Label: "Grid charging allowed", Path: "devices.grid.charge_from_grid_allowed", ValueType: "bool"},

	{ID: "price.provider", Category: "price", Label: "Price provider", Path: "prediction.elecprice.provider", ValueType: "string", Enum: []string{"ElecPriceAkkudoktor", "ElecPriceImport", "ElecPriceFixed"}},
	{ID: "price.feed_in_tariff_eur_kwh", Category: "price", Label: "Feed-in tariff", Path: "prediction.elecprice.feed_in_tariff_eur_kwh", ValueType: "number", Unit: "EUR/kWh", Min: fp(0), Max: fp(5)},
	{ID: "price.fixed_price_eur_kwh", Category: "price", Label: "Fixed price", Path: "prediction.elecprice.fixed_price_eur_kwh", ValueType: "number", Unit: "EUR/kWh", Min: fp(0), Max: fp(5)},

	{ID: "load.annual_consumption_kwh", Category: "load", Label: "Annual consumption", Path: "prediction.load.annual_consumption_kwh", ValueType: "number", Unit: "kWh", Min: fp(100), Max: fp(100000)},
	{ID: "load.provider", Category: "load", Label: "Load provider", Path: "prediction.load.provider", ValueType: "string", Enum: []string{"LoadAkkudoktor", "LoadImport"}},

	{ID: "general.latitude", Category: "general", Label: "Latitude", Path: "general.latitude", ValueType: "number", Min: fp(-90), Max: fp(90)},
	{ID: "general.longitude", Category: "general", Label: "Longitude", Path: "general.longitude", ValueType: "number", Min: fp(-180), Max: fp(180)},
	{ID: "general.timezone", Category: "general", Label: "Timezone", Path: "general.timezone", ValueType: "string"},
	{ID: "optimization.hours", Category: "general", Label: "Optimization horizon", Path: "optimization.hours", ValueType: "number", Unit: "h", Min: fp(1), Max: fp(48)},
}

var catalogByID = func() map[string]Field {
	m := make(map[string]Field, len(catalog))
	for _, f := range catalog {
		m[f.ID] = f
	}
	return m
}()

// LookupField returns the catalog entry for a field id.
func LookupField(id string) (Field, bool) {
	f, ok := catalogByID[id]
	return f, ok
}

var categoryLabels = map[string]string{
	"battery": "Battery",
	"pv":      "PV system",
	"grid":    "Grid connection",
	"price":   "Electricity prices",
	"load":    "Household load",
	"general": "General",
}

var categoryOrder = []string{"general", "battery", "pv", "grid", "price", "load"}

// Layout returns the catalog grouped into ordered categories.
func Layout() []Category {
	byCat := make(map[string][]Field)
	for _, f := range catalog {
		byCat[f.Category] = append(byCat[f.Category], f)
	}
	out := make([]Category, 0, len(categoryOrder))
	for _, c := range categoryOrder {
		fields := byCat[c]
		if len(fields) == 0 {
			continue
		}
		out = append(out, Category{ID: c, Label: categoryLabels[c], Fields: fields})
	}
	return out
}
