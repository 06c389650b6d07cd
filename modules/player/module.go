package player

import (
	_ "embed"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed player.html
var playHTML string

var watchRegex = regexp.MustCompile(`^(movie|tv)/[0-9]+(/[0-9]+/[0-9]+)?$`)

type ModuleCtx struct {
	logger     zerolog.Logger
	pathPrefix string

	config   Config
	configMu sync.RWMutex
}

func New(pathPrefix string, config *Config) *ModuleCtx {
	module := &ModuleCtx{
		logger:     log.With().Str("module", "player").Logger(),
		pathPrefix: pathPrefix,
		config:     config.withDefaultValues(),
	}

	return module
}

func (m *ModuleCtx) Shutdown() {

}

func (m *ModuleCtx) ConfigReload(config *Config) {
	m.configMu.Lock()
	m.config = config.withDefaultValues()
	m.configMu.Unlock()
}

func (m *ModuleCtx) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, m.pathPrefix) {
		http.NotFound(w, r)
		return
	}

	p := strings.Trim(strings.TrimPrefix(r.URL.Path, m.pathPrefix), "/")
	if !watchRegex.MatchString(p) {
		http.Error(w, "400 invalid watch path", http.StatusBadRequest)
		return
	}

	m.configMu.RLock()
	config := m.config
	m.configMu.RUnlock()

	source := path.Join("/", config.ResolvePath, p)
	html := strings.NewReplacer(
		"{{RESOLVE_URL}}", source,
		"{{HLSJS_URL}}", config.HlsJsURL,
	).Replace(playHTML)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(html))
}
