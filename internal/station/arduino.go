package station

import (
	"time"

	"cloudpico-stations/internal/format"
	"cloudpico-stations/internal/reading"
)

const (
	TypeOutsideArduino = "outside-arduino"
	TypeInsideArduino  = "inside-arduino"

	OutsideArduinoIdentity = "Outdoor_multiQuery.ino"
	InsideArduinoIdentity  = "Indoor_multiQuery.ino"
)

const (
	TemperatureOut reading.Datum = "temperature_out"
	HumidityOut    reading.Datum = "humidity_out"
	PressureOut    reading.Datum = "pressure_out"
	DewPoint       reading.Datum = "dew_point"
	VisibleLuxOut  reading.Datum = "visible_lux_out"
	IRLuminosity   reading.Datum = "ir_luminosity"
	WindSpeed      reading.Datum = "wind_speed"
	WindDirection  reading.Datum = "wind_direction"

	TemperatureIn reading.Datum = "temperature_in"
	PressureIn    reading.Datum = "pressure_in"
	VisibleLuxIn  reading.Datum = "visible_lux_in"
	Presence      reading.Datum = "presence"
	Flame         reading.Datum = "flame"
	CO2           reading.Datum = "co2"
	RawH2         reading.Datum = "raw_h2"
	RawEthanol    reading.Datum = "raw_ethanol"
	VOC           reading.Datum = "voc"
)

var OutsideArduinoDatums = reading.NewDatumSet(TypeOutsideArduino,
	TemperatureOut, HumidityOut, PressureOut, DewPoint,
	VisibleLuxOut, IRLuminosity, WindSpeed, WindDirection,
)

var InsideArduinoDatums = reading.NewDatumSet(TypeInsideArduino,
	TemperatureIn, PressureIn, VisibleLuxIn, Presence, Flame,
	CO2, RawH2, RawEthanol, VOC,
)

// ignored marks a parsed value that is not stored.
const ignored reading.Datum = ""

var outsideArduinoQueries = []SubQuery{
	{
		Param:    "wind",
		Settle:   50 * time.Millisecond,
		Template: format.MustCompile("v={f} m/s  dir. {f}°"),
		Datums:   []reading.Datum{WindSpeed, WindDirection},
	},
	{
		Param:    "light",
		Settle:   80 * time.Millisecond,
		Template: format.MustCompile("TSL vis(Lux) IR(luminosity): {i} {i}"),
		Datums:   []reading.Datum{VisibleLuxOut, IRLuminosity},
	},
	{
		// The fourth value is the compensated humidity.
		Param:    "pht",
		Settle:   80 * time.Millisecond,
		Template: format.MustCompile("P:{f}hPa T:{f}°C RH:{f}% comp RH:{f}% dew point:{f}°C"),
		Datums:   []reading.Datum{PressureOut, TemperatureOut, HumidityOut, ignored, DewPoint},
	},
}

var insideArduinoQueries = []SubQuery{
	{
		Param:    "pressure",
		Settle:   100 * time.Millisecond,
		Template: format.MustCompile("Pressure: {f}hPa"),
		Datums:   []reading.Datum{PressureIn},
	},
	{
		Param:    "temp",
		Settle:   100 * time.Millisecond,
		Template: format.MustCompile("Temperature: {f}°C"),
		Datums:   []reading.Datum{TemperatureIn},
	},
	{
		Param:    "gas",
		Settle:   70 * time.Millisecond,
		Template: format.MustCompile("CO2: {i} ppm\tTVOC: {i} ppb\tRaw H2: {i} \tRaw Ethanol: {i}"),
		Datums:   []reading.Datum{CO2, VOC, RawH2, RawEthanol},
	},
	{
		Param:    "flame",
		Settle:   50 * time.Millisecond,
		Template: format.MustCompile("IR reading: {i}"),
		Datums:   []reading.Datum{Flame},
	},
	{
		Param:    "presence",
		Settle:   50 * time.Millisecond,
		Template: format.MustCompile("Presence: {i}"),
		Datums:   []reading.Datum{Presence},
	},
	{
		Param:    "light",
		Settle:   80 * time.Millisecond,
		Template: format.MustCompile("light (Lux): {f}"),
		Datums:   []reading.Datum{VisibleLuxIn},
	},
}

// NewOutsideArduino returns the acquirer of the outdoor multi-query sketch.
// An empty cfg.Identity defaults to the sketch's marker.
func NewOutsideArduino(cfg SerialConfig) (*SerialAcquirer, error) {
	if cfg.Identity == "" {
		cfg.Identity = OutsideArduinoIdentity
	}
	return NewSerialAcquirer(cfg, outsideArduinoQueries)
}

// NewInsideArduino returns the acquirer of the indoor multi-query sketch.
func NewInsideArduino(cfg SerialConfig) (*SerialAcquirer, error) {
	if cfg.Identity == "" {
		cfg.Identity = InsideArduinoIdentity
	}
	return NewSerialAcquirer(cfg, insideArduinoQueries)
}
