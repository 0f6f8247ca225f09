// Package redisstub is a tiny RESP server covering the commands the relay
// uses: stream appends and the INCR/EXPIRE/TTL rate-limit window.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

// Entry is one appended stream record.
type Entry struct {
	ID     string
	Fields map[string]string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu      sync.Mutex
	streams map[string][]Entry
	kv      map[string]*counter
	seq     int64
	closed  chan struct{}
}

type counter struct {
	value  int64
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string][]Entry),
		kv:       make(map[string]*counter),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string { return s.addr }

// Entries returns a copy of the records appended to stream.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.streams[stream]...)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	authed := s.opts.Password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			// Forces clients back to RESP2.
			err = writeError(w, "ERR unknown command 'HELLO'")
		case "AUTH":
			pass := args[len(args)-1]
			if len(args) < 2 || (s.opts.Password != "" && pass != s.opts.Password) {
				err = writeError(w, "WRONGPASS invalid username-password pair")
			} else {
				authed = true
				err = writeSimple(w, "OK")
			}
		case "PING":
			err = writeSimple(w, "PONG")
		case "SELECT", "CLIENT":
			err = writeSimple(w, "OK")
		default:
			if !authed {
				err = writeError(w, "NOAUTH Authentication required.")
			} else {
				err = s.dispatch(w, args)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.xadd(w, args[1:])
	case "XLEN":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		n := len(s.streams[args[1]])
		s.mu.Unlock()
		return writeInt(w, int64(n))
	case "INCR":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		return writeInt(w, s.incr(args[1]))
	case "EXPIRE":
		if len(args) < 3 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		return writeInt(w, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInt(w, s.ttl(args[1]))
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) xadd(w *bufio.Writer, args []string) error {
	if len(args) < 4 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	stream := args[0]
	rest := args[1:]
	if strings.EqualFold(rest[0], "MAXLEN") {
		if len(rest) > 1 && (rest[1] == "~" || rest[1] == "=") {
			rest = rest[1:]
		}
		if len(rest) < 2 {
			return writeError(w, "ERR syntax error")
		}
		rest = rest[2:]
	}
	if len(rest) < 3 || len(rest[1:])%2 != 0 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	s.seq++
	id := rest[0]
	if id == "*" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	fields := make(map[string]string, len(rest[1:])/2)
	for i := 1; i+1 < len(rest); i += 2 {
		fields[rest[i]] = rest[i+1]
	}
	s.streams[stream] = append(s.streams[stream], Entry{ID: id, Fields: fields})
	s.mu.Unlock()
	return writeBulk(w, id)
}

func (s *Server) live(key string) *counter {
	c := s.kv[key]
	if c != nil && !c.expiry.IsZero() && time.Now().After(c.expiry) {
		delete(s.kv, key)
		return nil
	}
	return c
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	if c == nil {
		c = &counter{}
		s.kv[key] = c
	}
	c.value++
	return c.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	if c == nil {
		return 0
	}
	c.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key)
	switch {
	case c == nil:
		return -2
	case c.expiry.IsZero():
		return -1
	}
	return int64(time.Until(c.expiry).Round(time.Second) / time.Second)
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(header, "$") {
			return nil, fmt.Errorf("unexpected header %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimple(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "+%s\r\n", value)
	return w.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return w.Flush()
}

func writeInt(w *bufio.Writer, value int64) error {
	fmt.Fprintf(w, ":%d\r\n", value)
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	fmt.Fprintf(w, "-%s\r\n", msg)
	return w.Flush()
}
