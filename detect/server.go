package detect

import (
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/nmerryman/antt-go/internal/timerqueue"
	"github.com/nmerryman/antt-go/internal/worker"
)

// Config binds the server's four ports: a root control port, two echo
// ports A and B, and the reverse-initiated port C.
type Config struct {
	BindIP    string
	RootPort  int
	APort     int
	BPort     int
	CPort     int
	Freshness time.Duration
}

func (c *Config) applyDefaults() {
	if c.BindIP == "" {
		c.BindIP = "0.0.0.0"
	}
	if c.Freshness == 0 {
		c.Freshness = time.Hour
	}
}

// Server classifies client NATs from their source-port behaviour.
type Server struct {
	worker.Worker

	cfg   Config
	log   *log.Logger
	store Store

	root, a, b, c *net.UDPConn

	recordsMu sync.Mutex
	records   map[string]*Record

	// evictions fires once per observed name after the freshness
	// window elapses; stale in-memory records are dropped so status
	// answers fall back to the Store (or report unknown).
	evictions *timerqueue.TimerQueue
}

// Listen binds all four ports and constructs a Server. store may be
// nil, in which case an in-memory Store is used.
func Listen(cfg Config, store Store, logger *log.Logger) (*Server, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if store == nil {
		store = newMemStore()
	}

	root, err := bindUDP(cfg.BindIP, cfg.RootPort)
	if err != nil {
		return nil, err
	}
	a, err := bindUDP(cfg.BindIP, cfg.APort)
	if err != nil {
		root.Close()
		return nil, err
	}
	b, err := bindUDP(cfg.BindIP, cfg.BPort)
	if err != nil {
		root.Close()
		a.Close()
		return nil, err
	}
	c, err := bindUDP(cfg.BindIP, cfg.CPort)
	if err != nil {
		root.Close()
		a.Close()
		b.Close()
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		log:     logger,
		store:   store,
		root:    root,
		a:       a,
		b:       b,
		c:       c,
		records: make(map[string]*Record),
	}
	s.evictions = timerqueue.New(func(v interface{}) {
		s.evictStale(v.(string))
	})
	return s, nil
}

func bindUDP(ip string, port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
}

// Start launches the root, A and B listener loops and the freshness
// eviction queue.
func (s *Server) Start() {
	s.evictions.Start()
	s.Go(func() { s.echoLoop(s.a, "A") })
	s.Go(func() { s.echoLoop(s.b, "B") })
	s.Go(s.rootLoop)
}

// Close stops all loops and releases the sockets and store.
func (s *Server) Close() error {
	s.Halt()
	s.root.Close()
	s.a.Close()
	s.b.Close()
	s.c.Close()
	s.Wait()
	s.evictions.Stop()
	return s.store.Close()
}

// evictStale drops name's in-memory record once it has gone a full
// freshness window without a new observation. The persisted Store copy
// is untouched; handleStatus consults it on a miss.
func (s *Server) evictStale(name string) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	rec, ok := s.records[name]
	if ok && time.Since(rec.UpdatedAt) >= s.cfg.Freshness {
		delete(s.records, name)
	}
}

// echoLoop serves one of the A/B echo ports: record the source port
// for whatever name's bytes arrive, then echo the datagram back to
// the sender.
func (s *Server) echoLoop(conn *net.UDPConn, port string) {
	buf := make([]byte, 256)
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		name := string(buf[:n])
		s.observe(name, port, src.Port)
		conn.WriteToUDP(buf[:n], src)
	}
}

func (s *Server) observe(name, port string, srcPort int) {
	s.recordsMu.Lock()
	rec, ok := s.records[name]
	if !ok {
		rec = &Record{Name: name}
		s.records[name] = rec
	}
	now := time.Now()
	rec.observe(port, srcPort, now)
	snapshot := *rec
	s.recordsMu.Unlock()

	s.evictions.Push(uint64(now.Add(s.cfg.Freshness).UnixNano()), name)

	if err := s.store.Put(snapshot); err != nil {
		s.log.Warn("could not persist nat record", "name", name, "err", err)
	}
}

// rootLoop serves the cbor-framed control protocol: ports, status and
// third requests.
func (s *Server) rootLoop() {
	buf := make([]byte, 512)
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}
		s.root.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, src, err := s.root.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var req RootRequest
		if err := cbor.Unmarshal(buf[:n], &req); err != nil {
			s.log.Warn("dropping malformed root request", "err", err)
			continue
		}
		resp := s.handleRoot(req, src)
		enc, err := cbor.Marshal(resp)
		if err != nil {
			s.log.Warn("could not encode root response", "err", err)
			continue
		}
		s.root.WriteToUDP(enc, src)
	}
}

func (s *Server) handleRoot(req RootRequest, src *net.UDPAddr) RootResponse {
	switch req.Kind {
	case RequestPorts:
		return RootResponse{EchoAPort: s.cfg.APort, EchoBPort: s.cfg.BPort, ReversePort: s.cfg.CPort}
	case RequestStatus:
		return s.handleStatus(req.Name)
	case RequestThird:
		s.fireThird(req.Name, src)
		return RootResponse{}
	default:
		return RootResponse{Err: "unknown request kind"}
	}
}

func (s *Server) handleStatus(name string) RootResponse {
	s.recordsMu.Lock()
	rec, ok := s.records[name]
	var snapshot Record
	if ok {
		snapshot = *rec
	}
	s.recordsMu.Unlock()

	if !ok {
		// Not in the working set; a still-fresh persisted record means
		// the client was classified recently enough to reuse.
		stored, found, err := s.store.Get(name)
		if err != nil {
			s.log.Warn("store lookup failed", "name", name, "err", err)
		}
		if !found || time.Since(stored.UpdatedAt) >= s.cfg.Freshness {
			return RootResponse{Err: "unknown name"}
		}
		snapshot = stored
	}
	return RootResponse{
		PunchType:     snapshot.classify(),
		SymmetricLow:  snapshot.MinSrcPort,
		SymmetricHigh: snapshot.MaxSrcPort,
	}
}

// fireThird sends an unsolicited packet from port C to test whether
// return traffic from a new source is accepted. The determination of
// full-cone-vs-restricted is made by the client observing whether
// this arrives; the server's role is only to send it.
func (s *Server) fireThird(name string, fallback *net.UDPAddr) {
	s.recordsMu.Lock()
	rec, ok := s.records[name]
	var target *net.UDPAddr
	if ok && rec.LastSeenOnA != 0 {
		target = &net.UDPAddr{IP: fallback.IP, Port: rec.LastSeenOnA}
	}
	s.recordsMu.Unlock()
	if target == nil {
		target = fallback
	}
	s.c.WriteToUDP([]byte{0x00}, target)
}
