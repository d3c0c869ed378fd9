package server

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	cmcapi "github.com/rkcloudchain/cmcresponder/api"
	"github.com/rkcloudchain/cmcresponder/cmc"
	"github.com/rkcloudchain/cmcresponder/config"
	dbutil "github.com/rkcloudchain/cmcresponder/db"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
	"github.com/rkcloudchain/cmcresponder/metadata"
	"github.com/rkcloudchain/cmcresponder/util"
)

const (
	apiPathPrefix = "/api/v1/"

	defaultServerAddr = "0.0.0.0"
	defaultServerPort = 8054
)

// endpoint is a JSON endpoint method on a server
type endpoint func(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error)

// Server is the cmc-responder server
type Server struct {
	// The home directory for the server
	HomeDir string
	// The server's configuration
	Config *config.ServerConfig
	// BlockingStart makes Start serve requests on the calling goroutine
	BlockingStart bool
	// The server mux
	mux *mux.Router
	// The current listener for this server
	listener net.Listener
	// Server's CA
	CA
	// The database holding certificates, requests and audit records
	db *dbutil.DB
	// The CMC response engine
	responder *cmc.Responder
	// Collaborators of the response engine
	certDBAccessor *CertDBAccessor
	queue          *RevocationQueue
	audit          *AuditLogger
	metrics        *Metrics
	clock          clock.Clock
	// Guards listener
	mutex sync.Mutex
	// An error which occurs when serving
	serverError error
}

// Init initializes a cmc-responder server: the CA key material is
// validated and the database schema is created
func (s *Server) Init() (err error) {
	err = s.init()
	err2 := s.closeDB()
	if err2 != nil {
		log.Errorf("Close DB failed: %s", err2)
	}
	return err
}

// Initializes the server leaving the DB open
func (s *Server) init() (err error) {
	serverVersion := metadata.GetVersion()
	log.Infof("Server Version: %s", serverVersion)

	err = s.initConfig()
	if err != nil {
		return err
	}

	err = s.initCA()
	if err != nil {
		return err
	}

	err = s.initDB()
	if err != nil {
		return err
	}

	return nil
}

func (s *Server) initConfig() (err error) {
	if s.HomeDir == "" {
		s.HomeDir, err = os.Getwd()
		if err != nil {
			return errors.Wrap(err, "Failed to get server's home directory")
		}
	}

	absoluteHomeDir, err := filepath.Abs(s.HomeDir)
	if err != nil {
		return errors.Errorf("Failed to make server's home directory path absolute: %s", err)
	}
	s.HomeDir = absoluteHomeDir

	if s.Config == nil {
		s.Config = new(config.ServerConfig)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	return s.makeFileNamesAbsolute()
}

func (s *Server) initCA() error {
	log.Debugf("Initializing CA in directory %s", s.HomeDir)
	err := initCA(&s.CA, s.HomeDir, &s.Config.CA)
	if err != nil {
		return err
	}
	log.Infof("Home directory for CA: %s", s.CA.HomeDir)
	return nil
}

func (s *Server) initDB() error {
	if s.db != nil && s.db.IsInitialized() {
		return nil
	}

	datasource := s.Config.DB.Datasource
	if s.Config.DB.Type == "sqlite3" && datasource != "" {
		var err error
		datasource, err = util.MakeFileAbs(datasource, s.HomeDir)
		if err != nil {
			return err
		}
	}

	db, err := dbutil.New(s.Config.DB.Type, datasource)
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrConnectingDB, "Failed to initialize database: %s", err)
	}
	s.db = db
	log.Infof("Initialized %s database", s.Config.DB.Type)
	return nil
}

func (s *Server) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initResponder wires the response engine to its database backed collaborators
func (s *Server) initResponder() error {
	s.certDBAccessor = NewCertDBAccessor(s.db)
	s.queue = NewRevocationQueue(s.db, s.clock)
	s.audit = NewAuditLogger(s.db)
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	registry := cmc.NewSecretProviderRegistry()
	err := registry.Register(DBSecretProviderName, func(map[string]interface{}) (cmc.SharedSecretProvider, error) {
		return NewDBSecretProvider(s.db), nil
	})
	if err != nil {
		return err
	}
	secrets, err := registry.New(&s.Config.CMC.SharedSecret)
	if err != nil {
		return err
	}

	s.responder, err = cmc.NewResponder(s.Config.CMC, cmc.Collaborators{
		CA:       &s.CA,
		Certs:    s.certDBAccessor,
		Queue:    s.queue,
		Audit:    s.audit,
		Secrets:  secrets,
		Recorder: s.metrics,
		Clock:    s.clock,
	})
	if err != nil {
		return errors.WithMessage(err, "Failed to create CMC responder")
	}
	log.Infof("CMC responder signs with %s", s.responder.SignatureAlgorithm())
	s.queue.Start()
	return nil
}

// Make all file names in the config absolute
func (s *Server) makeFileNamesAbsolute() error {
	log.Debug("Making server filenames absolute")
	return config.AbsTLSServer(&s.Config.TLS, s.HomeDir)
}

// Start the cmc-responder server
func (s *Server) Start() (err error) {
	log.Infof("Starting server in home directory: %s", s.HomeDir)

	s.serverError = nil

	if s.listener != nil {
		return errors.New("server is already started")
	}

	err = s.init()
	if err == nil {
		err = s.initResponder()
	}
	if err != nil {
		s.shutdown()
		return err
	}

	s.registerHandlers()

	err = s.listenAndServe()
	if err != nil {
		s.shutdown()
		return err
	}
	return nil
}

// Stop the server
func (s *Server) Stop() error {
	err := s.closeListener()
	if err != nil {
		return err
	}

	log.Debugf("Stop: successful stop on port %d", s.Config.Port)
	s.shutdown()
	return nil
}

// shutdown stops the revocation worker and closes the database
func (s *Server) shutdown() {
	if s.queue != nil {
		s.queue.Stop()
	}
	err := s.closeDB()
	if err != nil {
		log.Errorf("Close DB failed: %s", err)
	}
}

// Starting listening and serving
func (s *Server) listenAndServe() (err error) {
	var listener net.Listener

	c := s.Config
	if c.Address == "" {
		c.Address = defaultServerAddr
	}
	if c.Port == 0 {
		c.Port = defaultServerPort
	}
	addr := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
	var addrStr string

	if c.TLS.Enabled {
		log.Debug("TLS is enabled")
		addrStr = fmt.Sprintf("https://%s", addr)

		tlsConfig, err := config.GetServerTLSConfig(&c.TLS)
		if err != nil {
			return err
		}

		listener, err = tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return errors.Wrapf(err, "TLS listen failed for %s", addrStr)
		}
	} else {
		addrStr = fmt.Sprintf("http://%s", addr)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "TCP listen failed for %s", addrStr)
		}
	}
	s.mutex.Lock()
	s.listener = listener
	s.mutex.Unlock()
	log.Infof("Listening on %s", addrStr)

	if s.BlockingStart {
		return s.serve()
	}
	go s.serve()
	return nil
}

func (s *Server) serve() error {
	s.mutex.Lock()
	listener := s.listener
	s.mutex.Unlock()
	if listener == nil {
		return nil
	}
	s.serverError = http.Serve(listener, s.mux)
	log.Errorf("Server has stopped serving: %s", s.serverError)
	s.closeListener()
	return s.serverError
}

// Closes the listening endpoint
func (s *Server) closeListener() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	port := s.Config.Port
	if s.listener == nil {
		msg := fmt.Sprintf("Stop: listener was already closed on port %d", port)
		log.Debug(msg)
		return errors.New(msg)
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil {
		log.Debugf("Stop: failed to close listener on port %d: %s", port, err)
		return err
	}
	log.Debugf("Stop: successfully closed listener on port %d", port)
	return nil
}

func (s *Server) registerHandlers() {
	s.mux = mux.NewRouter()
	s.registerHandler("cainfo", cainfoHandler, http.MethodGet, http.MethodHead)
	s.registerResponseHandler("cmc/response", cmcResponseHandler)
	s.mux.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

func (s *Server) registerHandler(path string, e endpoint, methods ...string) {
	bound := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return e(s, resp, req)
	}
	s.mux.Handle("/"+path, s.wrap(path, bound)).Methods(methods...)
	s.mux.Handle(apiPathPrefix+path, s.wrap(path, bound)).Methods(methods...)
}

func (s *Server) registerResponseHandler(path string, h func(s *Server, req *http.Request) (*cmc.Response, error)) {
	bound := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp, err := h(s, r)
		if err != nil {
			s.writeError(path, w, r, err, start)
			return
		}
		s.observe(path, start)
		if resp == nil || resp.Body == nil {
			w.WriteHeader(http.StatusNoContent)
			log.Infof(`%s %s %s %d 0 "No Content"`, r.RemoteAddr, r.Method, r.URL, http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", resp.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
		w.WriteHeader(http.StatusOK)
		w.Write(resp.Body)
		log.Infof(`%s %s %s %d 0 "OK"`, r.RemoteAddr, r.Method, r.URL, http.StatusOK)
	}
	s.mux.HandleFunc("/"+path, bound).Methods(http.MethodPost)
	s.mux.HandleFunc(apiPathPrefix+path, bound).Methods(http.MethodPost)
}

func (s *Server) wrap(name string, handler func(http.ResponseWriter, *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("Received request for %s", r.URL.String())
		start := time.Now()
		resp, err := handler(w, r)
		if err != nil {
			s.writeError(name, w, r, err, start)
			return
		}
		s.observe(name, start)

		w.Header().Set("Connection", "Keep-Alive")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "0")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(http.StatusOK)
		log.Infof(`%s %s %s %d 0 "OK"`, r.RemoteAddr, r.Method, r.URL, http.StatusOK)

		if r.Method != http.MethodHead {
			s.writeEnvelope(w, resp, nil)
		}
	}
}

func (s *Server) writeError(name string, w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	he := s.getHTTPErr(err)
	s.observe(name, start)
	if s.metrics != nil {
		s.metrics.APIErrorCounter.WithLabelValues(s.caName(), name, strconv.Itoa(he.GetLocalCode())).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.GetStatusCode())
	log.Infof(`%s %s %s %d %d "%s"`, r.RemoteAddr, r.Method, r.URL, he.GetStatusCode(), he.GetLocalCode(), he.GetLocalMsg())
	if r.Method != http.MethodHead {
		s.writeEnvelope(w, nil, he)
	}
}

func (s *Server) writeEnvelope(w http.ResponseWriter, resp interface{}, he *caerrors.HTTPErr) {
	w.Write([]byte(`{"result":`))
	if resp != nil {
		s.writeJSON(resp, w)
	} else {
		w.Write([]byte(`""`))
	}

	w.Write([]byte(`,"errors":[`))
	if he != nil {
		rm := &api.ResponseMessage{Code: he.GetRemoteCode(), Message: he.GetRemoteMsg()}
		s.writeJSON(rm, w)
	}
	w.Write([]byte(`],"messages":[],"success":`))
	if he != nil {
		w.Write([]byte(`false}`))
	} else {
		w.Write([]byte(`true}`))
	}
}

func (s *Server) observe(name string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.APICounter.WithLabelValues(s.caName(), name).Inc()
	s.metrics.APIDuration.WithLabelValues(s.caName(), name).Observe(time.Since(start).Seconds())
}

func (s *Server) caName() string {
	if s.CA.Config == nil {
		return ""
	}
	return s.CA.Config.Name
}

func (s *Server) writeJSON(obj interface{}, w http.ResponseWriter) {
	enc := json.NewEncoder(w)
	err := enc.Encode(obj)
	if err != nil {
		log.Errorf("Failed encoding response to JSON: %s", err)
	}
}

func (s *Server) getHTTPErr(err error) *caerrors.HTTPErr {
	if err == nil {
		return nil
	}
	type causer interface {
		Cause() error
	}

	curErr := err
	for curErr != nil {
		switch curErr.(type) {
		case *caerrors.HTTPErr:
			return curErr.(*caerrors.HTTPErr)
		case causer:
			curErr = curErr.(causer).Cause()
		default:
			return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, err.Error())
		}
	}

	return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "nil error")
}

// GetCA returns the CA instance
func (s *Server) GetCA() *CA {
	return &s.CA
}

// Handle a CMC response request
func cmcResponseHandler(s *Server, r *http.Request) (*cmc.Response, error) {
	var req cmcapi.CMCResponseRequestNet
	err := ReadBody(r, &req)
	if err != nil {
		return nil, err
	}

	outcomes, sess, err := toSession(&req)
	if err != nil {
		return nil, err
	}
	sess.Requester = requesterOf(r, sess.Requester)
	log.Debugf("Building %d outcome(s) and %d control(s) for requester '%s'", len(outcomes), len(sess.Controls), sess.Requester)

	resp, err := s.responder.Respond(r.Context(), outcomes, sess)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrBuildResponse, "Failed to build CMC response: %s", err)
	}
	return resp, nil
}

// Handle a CA info request
func cainfoHandler(s *Server, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if s.CA.Certificate() == nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrGetCACert, "The CA certificate is not loaded")
	}
	info := &cmcapi.CAInfoResponseNet{
		CAName:  s.caName(),
		CAChain: string(s.CA.ChainPEM()),
		Version: metadata.GetVersion(),
	}
	if s.responder != nil {
		info.SignatureAlgorithm = s.responder.SignatureAlgorithm().String()
	}
	return info, nil
}
