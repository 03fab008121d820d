package multiagent

import (
	"log/slog"
	"strings"
)

// Route is an addressed message parsed from "@target[/scope] message".
type Route struct {
	Target  string
	Scope   string
	Message string
}

// Address renders the route target as a bus address.
func (r Route) Address() string {
	if r.Scope == "" {
		return r.Target
	}
	return r.Target + "/" + r.Scope
}

// PrefixRouter recognises @target prefixes for a known set of targets.
type PrefixRouter struct {
	known  func(name string) bool
	logger *slog.Logger
}

// NewPrefixRouter creates a router that accepts targets for which known returns true.
func NewPrefixRouter(known func(name string) bool, logger *slog.Logger) *PrefixRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrefixRouter{known: known, logger: logger}
}

// Route parses text. It reports false when there is no @prefix, the target
// is unknown, or no message follows the prefix.
func (r *PrefixRouter) Route(text string) (Route, bool) {
	content := strings.TrimSpace(text)
	if !strings.HasPrefix(content, "@") {
		return Route{}, false
	}
	head, rest, _ := strings.Cut(content[1:], " ")
	target, scope, _ := strings.Cut(head, "/")
	target = strings.ToLower(target)
	rest = strings.TrimSpace(rest)

	if target == "" || rest == "" || r.known == nil || !r.known(target) {
		r.logger.Debug("prefix not routable", "prefix", head)
		return Route{}, false
	}
	r.logger.Debug("prefix matched", "target", target, "scope", scope)
	return Route{Target: target, Scope: scope, Message: rest}, true
}
