package nrdp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/rs/zerolog"

	"golang.org/x/crypto/bcrypt"
)

// Config holds the NRDP server configuration.
type Config struct {
	Listen         string // e.g. ":5668"
	Path           string // URL path, e.g. "/nrdp/"
	TokenHash      string // bcrypt hash of accepted token
	DynamicEnabled bool   // auto-register unknown hosts/services
	DynamicTTL     time.Duration
	DynamicPrune   time.Duration
	SSLCert        string
	SSLKey         string
}

// Dispatcher is the subset of extcmd.Bus the NRDP server needs: every
// accepted passive result is injected as a PROCESS_CHECK_RESULT
// command. Passive results can also arrive from compat spool files
// read by an external log ingester; NRDP is the same kind of external
// passive-result source, just over HTTP.
type Dispatcher interface {
	Dispatch(name string, args []string) error
}

// Server is the NRDP HTTP relay endpoint.
type Server struct {
	cfg     Config
	bus     Dispatcher
	log     zerolog.Logger
	tracker *DynamicTracker
	server  *http.Server
}

// New creates a new NRDP server. reg is only needed when cfg.DynamicEnabled
// is set, to back the auto-registration tracker.
func New(cfg Config, bus Dispatcher, reg *registry.Registry, log zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		bus: bus,
		log: log,
	}
	if cfg.DynamicEnabled {
		s.tracker = NewDynamicTracker(reg, cfg.DynamicTTL, cfg.DynamicPrune, log)
	}
	return s
}

// Start begins listening for NRDP requests.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	path := s.cfg.Path
	if path == "" {
		path = "/nrdp/"
	}
	mux.HandleFunc(path, s.handleNRDP)

	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.tracker != nil {
		s.tracker.StartPruner()
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("nrdp: listen %s: %w", s.cfg.Listen, err)
	}

	go func() {
		var serveErr error
		if s.cfg.SSLCert != "" && s.cfg.SSLKey != "" {
			serveErr = s.server.ServeTLS(ln, s.cfg.SSLCert, s.cfg.SSLKey)
		} else {
			serveErr = s.server.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.log.Error().Err(serveErr).Msg("NRDP server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the NRDP server.
func (s *Server) Stop() {
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}
}

// handleNRDP is the main request handler for POST /nrdp/.
func (s *Server) handleNRDP(w http.ResponseWriter, r *http.Request) {
	reqID := GenerateRequestID()

	if r.Method != http.MethodPost {
		body, ct := FormatResponse(FormatRawJSON, reqID, 405, "Method Not Allowed")
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(405)
		w.Write(body)
		return
	}

	if !s.authenticate(r) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(401)
		w.Write([]byte("authorization failed\n"))
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, FormatRawJSON, reqID, 500, "failed to read request body")
		return
	}
	defer r.Body.Close()

	r.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
	r.ParseForm()

	format := DetectFormat(r.Header.Get("Content-Type"), r.Form)
	if format == FormatUnknown {
		s.writeError(w, FormatRawJSON, reqID, 500, "unsupported content type")
		return
	}

	results, err := ParsePayload(format, bodyBytes, r.Form)
	if err != nil {
		s.writeError(w, format, reqID, 500, fmt.Sprintf("payload decode failure: %v", err))
		return
	}

	source := BuildSource(format, r.RemoteAddr)
	processed := 0
	s.log.Debug().Str("request", reqID).Str("source", source).Int("count", len(results)).Msg("NRDP payload received")

	for _, result := range results {
		if result.Hostname == "" {
			continue
		}

		if s.tracker != nil {
			if result.Servicename != "" {
				s.tracker.EnsureService(result.Hostname, result.Servicename)
			} else {
				s.tracker.EnsureHost(result.Hostname)
			}
		}

		args := []string{
			result.Hostname,
			result.Servicename,
			strconv.Itoa(result.Status),
			result.Output,
			"",
		}
		if err := s.bus.Dispatch("PROCESS_CHECK_RESULT", args); err != nil {
			s.log.Warn().Err(err).Str("request", reqID).Str("host", result.Hostname).
				Str("service", result.Servicename).Msg("NRDP result rejected")
			continue
		}
		processed++
	}

	msg := fmt.Sprintf("Processing %d Results", processed)
	s.log.Info().Str("request", reqID).Str("remote", r.RemoteAddr).Str("format", format).Msg(msg)

	body, ct := FormatResponse(format, reqID, 200, msg)
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(200)
	w.Write(body)
}

// authenticate checks the request token against the configured bcrypt
// hash. Localhost requests bypass authentication.
func (s *Server) authenticate(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "127.0.0.1" || host == "::1" {
		return true
	}

	if s.cfg.TokenHash == "" {
		return false
	}

	token := r.FormValue("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(token)) == nil
}

// writeError sends an error response in the appropriate format.
func (s *Server) writeError(w http.ResponseWriter, format, reqID string, status int, message string) {
	body, ct := FormatResponse(format, reqID, status, message)
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(status)
	w.Write(body)
}
