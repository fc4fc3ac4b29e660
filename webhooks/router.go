package webhooks

import (
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

const (
	// SourcePathValue is the pattern wildcard Router reads the source from,
	// as in "POST /webhooks/{source}".
	SourcePathValue = "source"

	textCodeSourceConflict = "WEBHOOK_SOURCE_CONFLICT"
	textCodeSourceInvalid  = "WEBHOOK_SOURCE_INVALID"
)

// Router serves several webhook senders from one endpoint, one HTTPHandler
// per source.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]*HTTPHandler
}

func NewRouter() *Router {
	return &Router{handlers: map[string]*HTTPHandler{}}
}

// Register binds handler to its Source. A source may be registered once.
func (r *Router) Register(handler *HTTPHandler) error {
	if r == nil {
		return fmt.Errorf("webhooks: router is nil")
	}
	if handler == nil || handler.Processor == nil {
		return goerrors.New("webhooks: handler with processor is required", goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(textCodeSourceInvalid)
	}
	source := normalizeSource(handler.Source)
	if source == "" {
		return goerrors.New("webhooks: handler source is required", goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(textCodeSourceInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]*HTTPHandler{}
	}
	if _, exists := r.handlers[source]; exists {
		return goerrors.New(
			fmt.Sprintf("webhooks: handler already registered for source %q", source),
			goerrors.CategoryConflict,
		).
			WithCode(http.StatusConflict).
			WithTextCode(textCodeSourceConflict).
			WithMetadata(map[string]any{"source": source})
	}
	r.handlers[source] = handler
	return nil
}

func (r *Router) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for source := range r.handlers {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

// ServeHTTP resolves the source from the {source} wildcard, falling back to
// the last path segment.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	source := normalizeSource(req.PathValue(SourcePathValue))
	if source == "" {
		source = normalizeSource(path.Base(req.URL.Path))
	}

	r.mu.RLock()
	handler := r.handlers[source]
	r.mu.RUnlock()
	if handler == nil {
		writeJSON(w, http.StatusNotFound, httpResponse{Error: "unknown webhook source", Code: textCodeSourceInvalid})
		return
	}
	handler.ServeHTTP(w, req)
}

func normalizeSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "/" || source == "." {
		return ""
	}
	return source
}
