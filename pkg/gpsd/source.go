// Package gpsd reads NMEA sentences from a gpsd-style TCP stream and turns
// them into fixes for the "gps" provider. It reconnects on stream loss and
// reports availability transitions to its watchers.
package gpsd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/acquisition"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
)

// Horizontal dilution of precision maps to meters through the receiver's
// nominal user-equivalent range error.
const hdopToMeters = 5.0

// Config holds gpsd source configuration. An empty Address disables the
// provider.
type Config struct {
	Address           string        `json:"address"`
	DialTimeout       time.Duration `json:"dial_timeout"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`
}

// DefaultConfig returns safe gpsd defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           "localhost:2947",
		DialTimeout:       10 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

// Source implements acquisition.LocationSource for the GPS provider. The
// reader goroutine runs while at least one subscriber is registered.
type Source struct {
	config *Config
	logger *logx.Logger

	mu       sync.Mutex
	subs     map[int]func(pkg.Fix)
	nextID   int
	watchers []acquisition.StatusFunc
	cancel   context.CancelFunc

	// altitude/accuracy arrive on GGA, the rest on RMC; the most recent
	// GGA values are merged into the next emitted fix.
	lastAltitude *float64
	lastAccuracy *float64
}

// NewSource creates a gpsd-backed location source.
func NewSource(config *Config, logger *logx.Logger) *Source {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	return &Source{
		config: config,
		logger: logger,
		subs:   make(map[int]func(pkg.Fix)),
	}
}

type subscription struct {
	id int
}

func (s subscription) Provider() string { return pkg.ProviderGPS }

// Subscribe registers a fix callback. The first subscriber starts the
// stream reader.
func (s *Source) Subscribe(provider string, cb func(pkg.Fix)) (acquisition.Subscription, error) {
	if provider != pkg.ProviderGPS {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if !s.IsEnabled(provider) {
		return nil, fmt.Errorf("gpsd source is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = cb
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.readLoop(ctx)
	}
	return subscription{id: s.nextID}, nil
}

// Unsubscribe removes a callback. The last unsubscribe stops the reader.
func (s *Source) Unsubscribe(sub acquisition.Subscription) {
	gs, ok := sub.(subscription)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, gs.id)
	if len(s.subs) == 0 && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Source) IsEnabled(provider string) bool {
	return provider == pkg.ProviderGPS && s.config.Address != ""
}

func (s *Source) HasPermission() bool { return true }

func (s *Source) Watch(fn acquisition.StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func (s *Source) notify(enabled bool) {
	s.mu.Lock()
	watchers := make([]acquisition.StatusFunc, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()
	for _, fn := range watchers {
		fn(pkg.ProviderGPS, enabled)
	}
}

func (s *Source) dispatch(f pkg.Fix) {
	s.mu.Lock()
	cbs := make([]func(pkg.Fix), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(f)
	}
}

// readLoop keeps a connection to the NMEA stream, reconnecting with a fixed
// interval until the context is cancelled.
func (s *Source) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := net.DialTimeout("tcp", s.config.Address, s.config.DialTimeout)
		if err != nil {
			s.logger.Warn("gpsd_connect_failed", "address", s.config.Address, "error", err)
			s.notify(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.ReconnectInterval):
				continue
			}
		}

		s.logger.Info("gpsd_connected", "address", s.config.Address)
		s.notify(true)
		s.readStream(ctx, conn)
		conn.Close()
		s.notify(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.config.ReconnectInterval):
		}
	}
}

func (s *Source) readStream(ctx context.Context, conn net.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleSentence(line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("gpsd_stream_error", "error", err)
	}
}

func (s *Source) handleSentence(line string) {
	body, ok := checksumBody(line)
	if !ok {
		return
	}

	fields := strings.Split(body, ",")
	if len(fields) == 0 || len(fields[0]) < 6 {
		return
	}
	switch fields[0][3:] {
	case "GGA":
		s.handleGGA(fields)
	case "RMC":
		s.handleRMC(fields)
	}
}

// handleGGA stashes altitude and a HDOP-derived accuracy for the next fix.
func (s *Source) handleGGA(fields []string) {
	// $xxGGA,time,lat,NS,lon,EW,quality,numSV,HDOP,alt,M,sep,M,age,station
	if len(fields) < 10 {
		return
	}
	quality, err := strconv.Atoi(fields[6])
	if err != nil || quality == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if alt, err := strconv.ParseFloat(fields[9], 64); err == nil {
		s.lastAltitude = &alt
	}
	if hdop, err := strconv.ParseFloat(fields[8], 64); err == nil {
		acc := hdop * hdopToMeters
		s.lastAccuracy = &acc
	}
}

// handleRMC emits a fix for every valid RMC sentence.
func (s *Source) handleRMC(fields []string) {
	// $xxRMC,time,status,lat,NS,lon,EW,speed,course,date,...
	if len(fields) < 10 || fields[2] != "A" {
		return
	}

	lat, err := parseCoordinate(fields[3], fields[4])
	if err != nil {
		return
	}
	lon, err := parseCoordinate(fields[5], fields[6])
	if err != nil {
		return
	}
	ts, err := parseTimestamp(fields[1], fields[9])
	if err != nil {
		return
	}

	fix := pkg.Fix{
		Time:      ts,
		Latitude:  lat,
		Longitude: lon,
		Provider:  pkg.ProviderGPS,
	}
	if knots, err := strconv.ParseFloat(fields[7], 64); err == nil {
		mps := knots * 0.514444
		fix.Speed = &mps
	}
	if course, err := strconv.ParseFloat(fields[8], 64); err == nil {
		fix.Bearing = &course
	}

	s.mu.Lock()
	fix.Altitude = s.lastAltitude
	fix.Accuracy = s.lastAccuracy
	s.mu.Unlock()

	s.dispatch(fix)
}

// checksumBody validates "$body*hh" framing and returns the body.
func checksumBody(line string) (string, bool) {
	if !strings.HasPrefix(line, "$") {
		return "", false
	}
	star := strings.LastIndexByte(line, '*')
	if star < 0 || star+3 > len(line) {
		return "", false
	}
	body := line[1:star]
	want, err := strconv.ParseUint(line[star+1:star+3], 16, 8)
	if err != nil {
		return "", false
	}
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return body, sum == byte(want)
}

// parseCoordinate converts NMEA ddmm.mmmm plus hemisphere into degrees.
func parseCoordinate(raw, hemisphere string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	dot := strings.IndexByte(raw, '.')
	if dot < 3 {
		return 0, fmt.Errorf("malformed coordinate %q", raw)
	}
	deg, err := strconv.ParseFloat(raw[:dot-2], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(raw[dot-2:], 64)
	if err != nil {
		return 0, err
	}
	value := deg + minutes/60
	switch hemisphere {
	case "S", "W":
		value = -value
	}
	return value, nil
}

// parseTimestamp combines RMC hhmmss.sss and ddmmyy fields into UTC time.
func parseTimestamp(clock, date string) (time.Time, error) {
	if len(clock) < 6 || len(date) != 6 {
		return time.Time{}, fmt.Errorf("malformed time %q %q", clock, date)
	}
	hour, err1 := strconv.Atoi(clock[0:2])
	minute, err2 := strconv.Atoi(clock[2:4])
	sec, err3 := strconv.ParseFloat(clock[4:], 64)
	day, err4 := strconv.Atoi(date[0:2])
	month, err5 := strconv.Atoi(date[2:4])
	year, err6 := strconv.Atoi(date[4:6])
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return time.Time{}, err
		}
	}
	nsec := int((sec - float64(int(sec))) * 1e9)
	return time.Date(2000+year, time.Month(month), day, hour, minute, int(sec), nsec, time.UTC), nil
}
