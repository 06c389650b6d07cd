package hlsproxy

import (
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/m1k1o/go-streamproxy/pkg/hlsproxy"
	"github.com/m1k1o/go-streamproxy/pkg/locator"
	"github.com/m1k1o/go-streamproxy/pkg/sessions"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

var tokenRegex = regexp.MustCompile(`^[0-9A-Za-z_.-]{1,128}$`)

type ModuleCtx struct {
	logger     zerolog.Logger
	pathPrefix string
	config     Config

	client     *upstream.Client
	resolver   hlsproxy.Resolver
	classifier *locator.Classifier
	sessions   *sessions.Registry

	manager   *hlsproxy.ManagerCtx
	managerMu sync.RWMutex
}

func New(pathPrefix string, config *Config, client *upstream.Client, resolver hlsproxy.Resolver, classifier *locator.Classifier, registry *sessions.Registry) (*ModuleCtx, error) {
	module := &ModuleCtx{
		logger:     log.With().Str("module", "hlsproxy").Logger(),
		pathPrefix: "/" + strings.Trim(pathPrefix, "/"),
		config:     config.withDefaultValues(),

		client:     client,
		resolver:   resolver,
		classifier: classifier,
		sessions:   registry,
	}

	manager, err := module.newManager()
	if err != nil {
		return nil, err
	}

	module.manager = manager
	return module, nil
}

func (m *ModuleCtx) newManager() (*hlsproxy.ManagerCtx, error) {
	config := m.config.Config
	config.Path = m.pathPrefix

	return hlsproxy.New(config, m.client, m.resolver, m.classifier, m.sessions)
}

func (m *ModuleCtx) Shutdown() {
	m.managerMu.RLock()
	defer m.managerMu.RUnlock()

	m.manager.Shutdown()
}

// ConfigReload replaces the manager, requests in flight keep the old one
// until they finish.
func (m *ModuleCtx) ConfigReload(config *Config) error {
	m.config = config.withDefaultValues()

	manager, err := m.newManager()
	if err != nil {
		return err
	}

	m.managerMu.Lock()
	old := m.manager
	m.manager = manager
	m.managerMu.Unlock()

	old.Shutdown()
	return nil
}

func (m *ModuleCtx) Manager() *hlsproxy.ManagerCtx {
	m.managerMu.RLock()
	defer m.managerMu.RUnlock()

	return m.manager
}

func (m *ModuleCtx) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, m.pathPrefix) {
		http.NotFound(w, r)
		return
	}

	// remove path prefix and leading /
	p := strings.TrimLeft(strings.TrimPrefix(r.URL.Path, m.pathPrefix), "/")

	if p == "" {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
			return
		}

		m.Manager().ServeHTTP(w, r)
		return
	}

	// split path to parts
	s := strings.Split(p, "/")
	if len(s) != 2 || s[0] != "session" {
		http.Error(w, "404 not found", http.StatusNotFound)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := s[1]

	// check if parameters match regex
	if !tokenRegex.MatchString(token) {
		http.Error(w, "400 invalid parameters", http.StatusBadRequest)
		return
	}

	if !m.Manager().CancelSession(token) {
		http.Error(w, "404 session not found", http.StatusNotFound)
		return
	}

	m.logger.Info().Str("session", token).Msg("session cancelled by client")
	w.WriteHeader(http.StatusNoContent)
}
