// Package health implements the periodic health publisher: a packed
// little-endian UDP multicast datagram reporting writer status, the
// current observation/sub-observation, and per-tile weight averages.
package health

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/mwatelescope/mwax-fitswriter/internal/monitoring"
	"github.com/mwatelescope/mwax-fitswriter/internal/weights"
)

// Status is the writer's reported lifecycle status.
type Status int32

const (
	StatusOffline Status = iota
	StatusRunning
	StatusShuttingDown
)

const hostnameFieldLen = 64

// Record is the exact wire layout of the health datagram: three i32
// version components, a null-padded 64-byte hostname, start/current
// Unix time as i64, uptime as f64 seconds, an i32 status, obs_id and
// subobs_id as i64, and two NTilesMax-length f32 per-tile arrays.
type Record struct {
	VersionMajor int32
	VersionMinor int32
	VersionPatch int32
	Hostname     [hostnameFieldLen]byte
	StartTime    int64
	CurrentTime  int64
	UptimeSec    float64
	Status       int32
	ObsID        int64
	SubObsID     int64
	WeightsX     [weights.NTilesMax]float32
	WeightsY     [weights.NTilesMax]float32
}

// MarshalBinary encodes the record in wire order, little-endian, with
// no padding between fields.
func (r *Record) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	fields := []any{
		r.VersionMajor, r.VersionMinor, r.VersionPatch,
		r.Hostname,
		r.StartTime, r.CurrentTime, r.UptimeSec,
		r.Status, r.ObsID, r.SubObsID,
		r.WeightsX, r.WeightsY,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("health: encoding record: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// SharedState is the mutex-protected state the writer goroutine updates
// and the health goroutine reads on each tick.
type SharedState struct {
	mu       sync.Mutex
	status   Status
	obsID    uint64
	subObsID uint64
}

// NewSharedState returns a SharedState initialised to StatusOffline.
func NewSharedState() *SharedState {
	return &SharedState{status: StatusOffline}
}

// Set updates the writer-visible status, obs_id, and subobs_id.
func (s *SharedState) Set(status Status, obsID, subObsID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.obsID = obsID
	s.subObsID = subObsID
}

func (s *SharedState) snapshot() (Status, uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.obsID, s.subObsID
}

// Versions identifies the writer build reported in the datagram.
type Versions struct {
	Major, Minor, Patch int32
}

// Sender abstracts the outbound UDP multicast socket so tests can
// substitute an in-memory collector.
type Sender interface {
	Send(p []byte) error
}

// UDPSender sends datagrams to a multicast group over a specific
// outbound interface, with TTL 3 and loopback disabled.
type UDPSender struct {
	conn *net.UDPConn
}

// NewUDPSender resolves ifaceName's IPv4 address and dials a multicast
// UDP socket to group:port bound out that interface.
func NewUDPSender(ifaceName, group string, port int) (*UDPSender, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("health: resolving interface %q: %w", ifaceName, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("health: listing addresses on %q: %w", ifaceName, err)
	}
	var localIP net.IP
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			localIP = v4
			break
		}
	}
	if localIP == nil {
		return nil, fmt.Errorf("health: interface %q has no IPv4 address", ifaceName)
	}

	raddr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	laddr := &net.UDPAddr{IP: localIP}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("health: dialing multicast group %s:%d: %w", group, port, err)
	}

	pconn := ipv4.NewConn(conn)
	if err := pconn.SetMulticastTTL(3); err != nil {
		conn.Close()
		return nil, fmt.Errorf("health: setting multicast TTL: %w", err)
	}
	if err := pconn.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("health: disabling multicast loopback: %w", err)
	}

	return &UDPSender{conn: conn}, nil
}

// Send writes one datagram to the configured multicast destination.
func (s *UDPSender) Send(p []byte) error {
	_, err := s.conn.Write(p)
	return err
}

// Close releases the underlying socket.
func (s *UDPSender) Close() error {
	return s.conn.Close()
}

// Publisher runs the 1-second health tick: snapshot shared state and
// the weights aggregator, build a Record, send it.
type Publisher struct {
	sender    Sender
	state     *SharedState
	weights   *weights.Aggregator
	versions  Versions
	hostname  string
	startTime time.Time

	// OnTick, if set, is invoked after each successful send with the
	// status, obs_id, subobs_id and uptime of the record just sent. Used
	// by the observation ledger to mirror liveness.
	OnTick func(status Status, obsID, subObsID uint64, uptime time.Duration)
}

// NewPublisher constructs a Publisher. hostname defaults to os.Hostname()
// if empty.
func NewPublisher(sender Sender, state *SharedState, agg *weights.Aggregator, versions Versions, hostname string, startTime time.Time) *Publisher {
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}
	return &Publisher{sender: sender, state: state, weights: agg, versions: versions, hostname: hostname, startTime: startTime}
}

// Tick builds and sends one datagram using now as the current time.
func (p *Publisher) Tick(now time.Time) error {
	status, obsID, subObsID := p.state.snapshot()
	x, y := p.weights.Snapshot()

	rec := &Record{
		VersionMajor: p.versions.Major,
		VersionMinor: p.versions.Minor,
		VersionPatch: p.versions.Patch,
		StartTime:    p.startTime.Unix(),
		CurrentTime:  now.Unix(),
		UptimeSec:    now.Sub(p.startTime).Seconds(),
		Status:       int32(status),
		ObsID:        int64(obsID),
		SubObsID:     int64(subObsID),
		WeightsX:     x,
		WeightsY:     y,
	}
	copy(rec.Hostname[:], p.hostname)

	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	if err := p.sender.Send(data); err != nil {
		return fmt.Errorf("health: send failed: %w", err)
	}
	if p.OnTick != nil {
		p.OnTick(status, obsID, subObsID, now.Sub(p.startTime))
	}
	return nil
}

// Run ticks once per second until done is closed, then sends one final
// datagram and returns. Send failures are
// logged and do not stop the loop (they are fatal only to that tick,
// per the specification's health-thread error policy).
func (p *Publisher) Run(done <-chan struct{}, tick func() time.Time) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			_ = p.Tick(tick())
			return
		case now := <-ticker.C:
			if err := p.Tick(now); err != nil {
				monitoring.Logf("health: %v", err)
			}
		}
	}
}
