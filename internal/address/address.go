// Package address implements the EA1 entity-address scheme used as the wire
// identifier for sensors, connections (assets), markets, weather sensors and
// UDI events:
//
//	ea1.<YYYY-MM>.<reversed-domain>:<locally-unique-string>
//
// The local part grammar depends on the entity type. Connections, weather
// sensors, markets and events use plain colon-separated fields; sensors use
// the newer "fm1.<sensor_id>" form. Build and Parse are exhaustive over the
// closed set of entity types, so a parsed address can never carry fields of
// the wrong variant.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Scheme is the only supported address scheme.
const Scheme = "ea1"

// EntityType selects an address grammar.
type EntityType string

const (
	EntityConnection    EntityType = "connection"
	EntityWeatherSensor EntityType = "weather_sensor"
	EntityMarket        EntityType = "market"
	EntityEvent         EntityType = "event"
	EntitySensor        EntityType = "sensor"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityConnection, EntityWeatherSensor, EntityMarket, EntityEvent, EntitySensor:
		return true
	}
	return false
}

// Sentinel errors. Parse failures wrap these in a *ParseError so that the
// offending address is always part of the message.
var (
	ErrInvalidScheme         = errors.New("address: invalid scheme")
	ErrInvalidDateCode       = errors.New("address: invalid date code")
	ErrUnresolvableDomain    = errors.New("address: unresolvable domain")
	ErrUnknownAuthorityStart = errors.New("address: unknown authority start")
)

// ParseError reports a malformed entity address. It wraps a sentinel error
// where one applies and always includes the offending address.
type ParseError struct {
	Address string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("address: cannot parse %q: %v", e.Address, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingFieldError reports a required field absent from a Build call.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("address: missing required field %q", e.Field)
}

// Local is the locally-unique part of an entity address: a closed tagged
// union over the five entity types.
type Local interface {
	EntityType() EntityType
	localString() (string, error)
}

// Connection addresses an asset, optionally qualified by its owner.
type Connection struct {
	OwnerID *int
	AssetID int
}

func (Connection) EntityType() EntityType { return EntityConnection }

func (c Connection) localString() (string, error) {
	if c.AssetID < 0 {
		return "", &MissingFieldError{Field: "asset_id"}
	}
	if c.OwnerID != nil {
		if *c.OwnerID < 0 {
			return "", &MissingFieldError{Field: "owner_id"}
		}
		return fmt.Sprintf("%d:%d", *c.OwnerID, c.AssetID), nil
	}
	return strconv.Itoa(c.AssetID), nil
}

// WeatherSensor addresses a weather sensor by type and location.
type WeatherSensor struct {
	SensorType string
	Latitude   float64
	Longitude  float64
}

func (WeatherSensor) EntityType() EntityType { return EntityWeatherSensor }

func (w WeatherSensor) localString() (string, error) {
	if w.SensorType == "" {
		return "", &MissingFieldError{Field: "weather_sensor_type_name"}
	}
	return fmt.Sprintf("%s:%s:%s", w.SensorType, formatFloat(w.Latitude), formatFloat(w.Longitude)), nil
}

// Market addresses a market by name.
type Market struct {
	Name string
}

func (Market) EntityType() EntityType { return EntityMarket }

func (m Market) localString() (string, error) {
	if m.Name == "" {
		return "", &MissingFieldError{Field: "market_name"}
	}
	return m.Name, nil
}

// Event addresses a UDI event on an asset.
type Event struct {
	OwnerID   *int
	AssetID   int
	EventID   int
	EventType string
}

func (Event) EntityType() EntityType { return EntityEvent }

func (e Event) localString() (string, error) {
	if e.AssetID < 0 {
		return "", &MissingFieldError{Field: "asset_id"}
	}
	if e.EventID < 0 {
		return "", &MissingFieldError{Field: "event_id"}
	}
	if e.EventType == "" {
		return "", &MissingFieldError{Field: "event_type"}
	}
	if e.OwnerID != nil {
		if *e.OwnerID < 0 {
			return "", &MissingFieldError{Field: "owner_id"}
		}
		return fmt.Sprintf("%d:%d:%d:%s", *e.OwnerID, e.AssetID, e.EventID, e.EventType), nil
	}
	return fmt.Sprintf("%d:%d:%s", e.AssetID, e.EventID, e.EventType), nil
}

// Sensor addresses a sensor by id using the fm1 form.
type Sensor struct {
	ID int
}

func (Sensor) EntityType() EntityType { return EntitySensor }

func (s Sensor) localString() (string, error) {
	if s.ID < 0 {
		return "", &MissingFieldError{Field: "sensor_id"}
	}
	return fmt.Sprintf("fm1.%d", s.ID), nil
}

// Address is a fully resolved entity address.
type Address struct {
	// NamingAuthority is the "<YYYY-MM>.<reversed-domain>" part.
	NamingAuthority string
	Local           Local
}

// String renders the address in wire form.
func (a Address) String() string {
	local, err := a.Local.localString()
	if err != nil {
		// Addresses are only constructed through Build or Parse, both of
		// which validate the local part.
		return ""
	}
	return Scheme + "." + a.NamingAuthority + ":" + local
}

var dateCodeRe = regexp.MustCompile(`^\d{4}-\d{2}$`)

// validDateCode checks the "YYYY-MM" authority date code, month in 1..12.
func validDateCode(code string) bool {
	if !dateCodeRe.MatchString(code) {
		return false
	}
	month, err := strconv.Atoi(code[5:])
	if err != nil {
		return false
	}
	return month >= 1 && month <= 12
}

// Builder builds entity addresses for a configured set of hosts.
type Builder struct {
	// HostAuthStart maps a host name to its authority start month ("YYYY-MM").
	HostAuthStart map[string]string

	// Now is the clock used for the localhost fallback. Nil means time.Now.
	Now func() time.Time
}

// Build renders the wire form of local for the given host.
// authStartMonth, when non-empty, overrides the configured per-host value.
func (b Builder) Build(local Local, host string, authStartMonth string) (string, error) {
	code, err := b.authorityStart(host, authStartMonth)
	if err != nil {
		return "", err
	}
	if !validDateCode(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDateCode, code)
	}
	domain, err := reverseDomainName(host)
	if err != nil {
		return "", err
	}
	localStr, err := local.localString()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s.%s:%s", Scheme, code, domain, localStr), nil
}

func (b Builder) authorityStart(host, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if code, ok := b.HostAuthStart[stripHost(host)]; ok {
		return code, nil
	}
	if isLoopback(host) {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		next := now().UTC().AddDate(0, 1, 0)
		return fmt.Sprintf("%04d-%02d", next.Year(), next.Month()), nil
	}
	return "", fmt.Errorf("%w: no authority start month configured for host %q", ErrUnknownAuthorityStart, host)
}

// reverseDomainName turns a host into its reversed-DNS authority label:
// the public suffix reversed, then the registered domain, then the subdomain
// labels reversed, empty parts omitted.
func reverseDomainName(host string) (string, error) {
	h := stripHost(host)
	if h == "" {
		return "", fmt.Errorf("%w: empty host", ErrUnresolvableDomain)
	}
	if isLoopback(h) {
		return "localhost", nil
	}

	suffix, _ := publicsuffix.PublicSuffix(h)
	etldPlusOne, err := publicsuffix.EffectiveTLDPlusOne(h)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnresolvableDomain, host)
	}
	domain := strings.TrimSuffix(strings.TrimSuffix(etldPlusOne, suffix), ".")
	subdomain := strings.TrimSuffix(strings.TrimSuffix(h, etldPlusOne), ".")

	var parts []string
	parts = append(parts, reverseLabels(suffix)...)
	if domain != "" {
		parts = append(parts, domain)
	}
	parts = append(parts, reverseLabels(subdomain)...)
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnresolvableDomain, host)
	}
	return strings.Join(parts, "."), nil
}

func reverseLabels(s string) []string {
	if s == "" {
		return nil
	}
	labels := strings.Split(s, ".")
	out := make([]string, 0, len(labels))
	for i := len(labels) - 1; i >= 0; i-- {
		if labels[i] != "" {
			out = append(out, labels[i])
		}
	}
	return out
}

// stripHost removes an optional scheme prefix and port from a host string.
func stripHost(host string) string {
	h := strings.TrimSpace(host)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return strings.ToLower(h)
}

func isLoopback(host string) bool {
	switch stripHost(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// formatFloat renders coordinates without scientific notation or trailing zeros.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Per-type local-part grammars. Anchored: trailing junk fails the match.
var (
	connectionRe    = regexp.MustCompile(`^(?:(?P<owner_id>\d+):)?(?P<asset_id>\d+)$`)
	weatherSensorRe = regexp.MustCompile(`^(?P<sensor_type>[a-zA-Z_][a-zA-Z0-9_]*):(?P<latitude>-?\d+(?:\.\d+)?):(?P<longitude>-?\d+(?:\.\d+)?)$`)
	marketRe        = regexp.MustCompile(`^(?P<market_name>[a-zA-Z_][a-zA-Z0-9_]*)$`)
	eventRe         = regexp.MustCompile(`^(?:(?P<owner_id>\d+):)?(?P<asset_id>\d+):(?P<event_id>\d+):(?P<event_type>[a-zA-Z_][a-zA-Z0-9_-]*)$`)
	sensorRe        = regexp.MustCompile(`^fm1\.(?P<sensor_id>\d+)$`)
)

// Parse parses a wire address into its typed form. The entity type must be
// known in advance (it is implied by the API route being served).
func Parse(s string, entityType EntityType) (Address, error) {
	if !strings.HasPrefix(s, Scheme) {
		return Address{}, &ParseError{Address: s, Err: ErrInvalidScheme}
	}
	// "ea1." + "YYYY-MM" is 12 characters.
	if len(s) < 12 || s[3] != '.' || !validDateCode(s[4:11]) {
		return Address{}, &ParseError{Address: s, Err: ErrInvalidDateCode}
	}
	rest := s[4:]
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return Address{}, &ParseError{Address: s, Err: errors.New("missing local part")}
	}
	authority := rest[:sep]
	localStr := rest[sep+1:]

	local, err := parseLocal(localStr, entityType)
	if err != nil {
		return Address{}, &ParseError{Address: s, Err: err}
	}
	return Address{NamingAuthority: authority, Local: local}, nil
}

func parseLocal(localStr string, entityType EntityType) (Local, error) {
	switch entityType {
	case EntityConnection:
		m := connectionRe.FindStringSubmatch(localStr)
		if m == nil {
			return nil, fmt.Errorf("local part %q does not match the connection grammar", localStr)
		}
		return Connection{
			OwnerID: optionalInt(m[connectionRe.SubexpIndex("owner_id")]),
			AssetID: mustInt(m[connectionRe.SubexpIndex("asset_id")]),
		}, nil
	case EntityWeatherSensor:
		m := weatherSensorRe.FindStringSubmatch(localStr)
		if m == nil {
			return nil, fmt.Errorf("local part %q does not match the weather sensor grammar", localStr)
		}
		return WeatherSensor{
			SensorType: m[weatherSensorRe.SubexpIndex("sensor_type")],
			Latitude:   mustFloat(m[weatherSensorRe.SubexpIndex("latitude")]),
			Longitude:  mustFloat(m[weatherSensorRe.SubexpIndex("longitude")]),
		}, nil
	case EntityMarket:
		m := marketRe.FindStringSubmatch(localStr)
		if m == nil {
			return nil, fmt.Errorf("local part %q does not match the market grammar", localStr)
		}
		return Market{Name: m[marketRe.SubexpIndex("market_name")]}, nil
	case EntityEvent:
		m := eventRe.FindStringSubmatch(localStr)
		if m == nil {
			return nil, fmt.Errorf("local part %q does not match the event grammar", localStr)
		}
		return Event{
			OwnerID:   optionalInt(m[eventRe.SubexpIndex("owner_id")]),
			AssetID:   mustInt(m[eventRe.SubexpIndex("asset_id")]),
			EventID:   mustInt(m[eventRe.SubexpIndex("event_id")]),
			EventType: m[eventRe.SubexpIndex("event_type")],
		}, nil
	case EntitySensor:
		m := sensorRe.FindStringSubmatch(localStr)
		if m == nil {
			return nil, fmt.Errorf("local part %q does not match the sensor grammar", localStr)
		}
		return Sensor{ID: mustInt(m[sensorRe.SubexpIndex("sensor_id")])}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}

func optionalInt(s string) *int {
	if s == "" {
		return nil
	}
	n := mustInt(s)
	return &n
}

// mustInt converts a string already matched against \d+.
func mustInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// mustFloat converts a string already matched against the coordinate grammar.
func mustFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
