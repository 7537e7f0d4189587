package format

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_deviceResponses(t *testing.T) {
	tests := []struct {
		name     string
		template string
		text     string
		want     []float64
	}{
		{
			name:     "pressure humidity temperature",
			template: "P:{f}hPa T:{f}°C RH:{f}% comp RH:{f}% dew point:{f}°C",
			text:     "P:1013.2hPa T:21.5°C RH:40.0% comp RH:41.0% dew point:7.3°C",
			want:     []float64{1013.2, 21.5, 40.0, 41.0, 7.3},
		},
		{
			name:     "wind with trailing newline",
			template: "v={f} m/s  dir. {f}°",
			text:     "v=3.4 m/s  dir. 120°\r\n",
			want:     []float64{3.4, 120},
		},
		{
			name:     "light integers separated by a space",
			template: "TSL vis(Lux) IR(luminosity): {i} {i}",
			text:     "TSL vis(Lux) IR(luminosity): 345 12\r\n",
			want:     []float64{345, 12},
		},
		{
			name:     "gas tab separated",
			template: "CO2: {i} ppm\tTVOC: {i} ppb\tRaw H2: {i} \tRaw Ethanol: {i}",
			text:     "CO2: 400 ppm\tTVOC: 0 ppb\tRaw H2: 13500 \tRaw Ethanol: 18900\r\n",
			want:     []float64{400, 0, 13500, 18900},
		},
		{
			name:     "negative with padding",
			template: "Temperature: {f}°C",
			text:     "Temperature:   -4.25 °C",
			want:     []float64{-4.25},
		},
		{
			name:     "leading noise before first literal",
			template: "Pressure: {f}hPa",
			text:     "> Pressure: 987.1hPa",
			want:     []float64{987.1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.template, tt.text)
			require.NoError(t, err)
			require.InDeltaSlice(t, tt.want, got, 1e-9)
		})
	}
}

func TestParse_mismatch(t *testing.T) {
	tests := []struct {
		name     string
		template string
		text     string
	}{
		{"missing literal", "P:{f}hPa T:{f}°C", "P:1013.2hPa X:21.5°C"},
		{"case sensitive literal", "Presence: {i}", "presence: 1"},
		{"not a float", "T:{f}°C", "T:warm°C"},
		{"float for int", "IR reading: {i}", "IR reading: 1.5"},
		{"empty value", "light (Lux): {f}", "light (Lux):   "},
		{"empty response", "v={f} m/s  dir. {f}°", ""},
		{"missing trailing literal", "Pressure: {f}hPa", "Pressure: 1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.template, tt.text)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrFormatMismatch), "got %v", err)
		})
	}
}

func TestCompile_invalid(t *testing.T) {
	for _, tpl := range []string{"no placeholders", "{f}{i}", ""} {
		_, err := Compile(tpl)
		require.ErrorIs(t, err, ErrInvalidTemplate, "template %q", tpl)
	}
}

func TestTemplate_reusable(t *testing.T) {
	tpl := MustCompile("IR reading: {i}")
	require.Equal(t, 1, tpl.NumValues())
	require.Equal(t, []Kind{Int}, tpl.Kinds())

	for _, tc := range []struct {
		text string
		want float64
	}{{"IR reading: 7", 7}, {"IR reading: 1023", 1023}} {
		got, err := tpl.Parse(tc.text)
		require.NoError(t, err)
		require.Equal(t, []float64{tc.want}, got)
	}
}
