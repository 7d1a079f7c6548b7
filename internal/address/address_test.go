package address_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflex/gridflex/internal/address"
)

func newTestBuilder() address.Builder {
	return address.Builder{
		HostAuthStart: map[string]string{
			"flexmeasures.io":                 "2021-01",
			"staging.company.flexmeasures.io": "2021-01",
		},
	}
}

func intPtr(n int) *int { return &n }

func TestBuildSensorAddress(t *testing.T) {
	b := newTestBuilder()

	got, err := b.Build(address.Sensor{ID: 1}, "flexmeasures.io", "")
	require.NoError(t, err)
	assert.Equal(t, "ea1.2021-01.io.flexmeasures:fm1.1", got)
}

func TestBuildWithSubdomain(t *testing.T) {
	b := newTestBuilder()

	got, err := b.Build(address.Market{Name: "epex_da"}, "staging.company.flexmeasures.io", "")
	require.NoError(t, err)
	assert.Equal(t, "ea1.2021-01.io.flexmeasures.company.staging:epex_da", got)
}

func TestBuildLocalhostDefaultsToNextMonth(t *testing.T) {
	b := address.Builder{
		Now: func() time.Time { return time.Date(2021, 12, 15, 10, 0, 0, 0, time.UTC) },
	}

	got, err := b.Build(address.Connection{AssetID: 4}, "localhost:5000", "")
	require.NoError(t, err)
	assert.Equal(t, "ea1.2022-01.localhost:4", got)
}

func TestBuildUnknownHost(t *testing.T) {
	b := newTestBuilder()

	_, err := b.Build(address.Market{Name: "epex_da"}, "nowhere.example.com", "")
	assert.ErrorIs(t, err, address.ErrUnknownAuthorityStart)
}

func TestBuildInvalidDateCode(t *testing.T) {
	b := newTestBuilder()

	for _, code := range []string{"2021-13", "2021-00", "21-01", "2021/01", "2021-1"} {
		_, err := b.Build(address.Market{Name: "epex_da"}, "flexmeasures.io", code)
		assert.ErrorIs(t, err, address.ErrInvalidDateCode, "code %q", code)
	}
}

func TestBuildMissingRequiredField(t *testing.T) {
	b := newTestBuilder()

	_, err := b.Build(address.Market{}, "flexmeasures.io", "")
	var missing *address.MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "market_name", missing.Field)

	_, err = b.Build(address.Event{AssetID: 30, EventID: 302}, "flexmeasures.io", "")
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "event_type", missing.Field)
}

func TestRoundTrip(t *testing.T) {
	b := newTestBuilder()

	cases := []struct {
		name       string
		local      address.Local
		entityType address.EntityType
	}{
		{"sensor", address.Sensor{ID: 42}, address.EntitySensor},
		{"connection without owner", address.Connection{AssetID: 30}, address.EntityConnection},
		{"connection with owner", address.Connection{OwnerID: intPtr(40), AssetID: 30}, address.EntityConnection},
		{"market", address.Market{Name: "epex_da"}, address.EntityMarket},
		{"weather sensor", address.WeatherSensor{SensorType: "temperature", Latitude: 52.0, Longitude: 4.3}, address.EntityWeatherSensor},
		{"event without owner", address.Event{AssetID: 30, EventID: 302, EventType: "soc"}, address.EntityEvent},
		{"event with owner", address.Event{OwnerID: intPtr(40), AssetID: 30, EventID: 302, EventType: "soc"}, address.EntityEvent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := b.Build(tc.local, "flexmeasures.io", "")
			require.NoError(t, err)

			parsed, err := address.Parse(wire, tc.entityType)
			require.NoError(t, err)
			assert.Equal(t, tc.local, parsed.Local)
			assert.Equal(t, wire, parsed.String())
		})
	}
}

func TestParseRejectsWrongScheme(t *testing.T) {
	for _, s := range []string{"", "ea2.2021-01.io.flexmeasures:fm1.1", "http://flexmeasures.io", "fm1.1"} {
		_, err := address.Parse(s, address.EntitySensor)
		assert.ErrorIs(t, err, address.ErrInvalidScheme, "address %q", s)
	}
}

func TestParseRejectsBadDateCode(t *testing.T) {
	for _, s := range []string{
		"ea1.2021-13.io.flexmeasures:fm1.1",
		"ea1.21-01.io.flexmeasures:fm1.1",
		"ea1.",
	} {
		_, err := address.Parse(s, address.EntitySensor)
		assert.ErrorIs(t, err, address.ErrInvalidDateCode, "address %q", s)
	}
}

func TestParseErrorsIncludeAddress(t *testing.T) {
	bad := "ea1.2021-01.io.flexmeasures:not-a-sensor"
	_, err := address.Parse(bad, address.EntitySensor)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}

func TestParseRejectsNegativeIDs(t *testing.T) {
	// A negative asset id looks superficially well-formed but ids are \d+.
	_, err := address.Parse("ea1.2021-01.io.flexmeasures:-1", address.EntityConnection)
	var parseErr *address.ParseError
	assert.ErrorAs(t, err, &parseErr)

	_, err = address.Parse("ea1.2021-01.io.flexmeasures:40:-30:302:soc", address.EntityEvent)
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseRejectsTrailingJunk(t *testing.T) {
	_, err := address.Parse("ea1.2021-01.io.flexmeasures:fm1.1:extra", address.EntitySensor)
	var parseErr *address.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseOptionalOwner(t *testing.T) {
	parsed, err := address.Parse("ea1.2021-01.io.flexmeasures:30", address.EntityConnection)
	require.NoError(t, err)
	conn, ok := parsed.Local.(address.Connection)
	require.True(t, ok)
	assert.Nil(t, conn.OwnerID)
	assert.Equal(t, 30, conn.AssetID)

	parsed, err = address.Parse("ea1.2021-01.io.flexmeasures:40:30", address.EntityConnection)
	require.NoError(t, err)
	conn = parsed.Local.(address.Connection)
	require.NotNil(t, conn.OwnerID)
	assert.Equal(t, 40, *conn.OwnerID)
	assert.Equal(t, 30, conn.AssetID)
}

func TestParseWeatherSensor(t *testing.T) {
	parsed, err := address.Parse("ea1.2021-01.io.flexmeasures:temperature:52:4.3", address.EntityWeatherSensor)
	require.NoError(t, err)
	ws, ok := parsed.Local.(address.WeatherSensor)
	require.True(t, ok)
	assert.Equal(t, "temperature", ws.SensorType)
	assert.InDelta(t, 52.0, ws.Latitude, 1e-9)
	assert.InDelta(t, 4.3, ws.Longitude, 1e-9)
}

func TestParseEvent(t *testing.T) {
	parsed, err := address.Parse("ea1.2021-01.io.flexmeasures:40:30:302:soc", address.EntityEvent)
	require.NoError(t, err)
	ev, ok := parsed.Local.(address.Event)
	require.True(t, ok)
	require.NotNil(t, ev.OwnerID)
	assert.Equal(t, 40, *ev.OwnerID)
	assert.Equal(t, 30, ev.AssetID)
	assert.Equal(t, 302, ev.EventID)
	assert.Equal(t, "soc", ev.EventType)
}
