package tcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler processes one decoded JSON request and returns the response body,
// typically itself JSON. Errors are converted to the literal JSON null by the
// server; the connection stays open.
type Handler func(ctx context.Context, request any) (string, error)

var (
	handlersMu sync.RWMutex
	handlers   = map[string]Handler{}
)

// RegisterHandler makes a handler resolvable by name. Worker subprocesses
// receive only the name on their command line and look the function up in
// this registry, so any handler served by a parallel server must be
// registered from an init path reachable by the worker subcommand too.
func RegisterHandler(name string, h Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if _, dup := handlers[name]; dup {
		panic(fmt.Sprintf("tcp: handler %q registered twice", name))
	}
	handlers[name] = h
}

// LookupHandler resolves a registered handler by name.
func LookupHandler(name string) (Handler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	h, ok := handlers[name]
	return h, ok
}

// HandlerNames lists registered handlers, sorted, for CLI help output.
func HandlerNames() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
