// Package restapi exposes duet's diagnostic surface over HTTP: transaction
// status lookups, the recorded error journal, the manual-review queue and
// compensation retry, plus liveness, readiness, metrics and swagger routes.
//
// Applications extend the service by registering their own RestMethod
// entries before calling Server.Router; the sample app under restapi/main
// registers a coordinated account-creation endpoint this way.
package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates supported HTTP operations.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// GET_ONE retrieves a single resource.
	GET_ONE
	// DELETE removes resources.
	DELETE
	// POST creates resources.
	POST
	// PUT replaces resources.
	PUT
	// PATCH partially updates resources.
	PATCH
)

// RestMethod describes a REST route handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
}

// restMethods holds application-registered routes. Registration happens at
// startup before Server.Router wires the engine; it is not synchronized.
var restMethods = make(map[string]RestMethod)

// RegisterMethod builds a RestMethod and registers it using Register.
func RegisterMethod(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	m := RestMethod{
		Verb:    verb,
		Path:    path,
		Handler: h,
	}
	return Register(m)
}

// Register inserts a RestMethod into the global registry preventing duplicates.
func Register(m RestMethod) error {
	key := methodKey(m.Verb, m.Path)
	if _, exists := restMethods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	restMethods[key] = m
	return nil
}

// RestMethods returns all registered RestMethod entries keyed by verb+path.
func RestMethods() map[string]RestMethod {
	return restMethods
}

func methodKey(verb HTTPVerb, path string) string {
	return fmt.Sprintf("%d_%s", verb, path)
}
