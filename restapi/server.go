package restapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	jwtverifier "github.com/okta/okta-jwt-verifier-golang"
	swaggerfiles "github.com/swaggo/files"     // swagger embed files
	ginSwagger "github.com/swaggo/gin-swagger" // gin-swagger middleware

	"github.com/sharedcode/duet/database"
	"github.com/sharedcode/duet/restapi/docs"
)

const basePath = "/api/v1"

// Server surfaces one Database's coordinator, error journal and health
// monitor over HTTP.
type Server struct {
	db *database.Database
}

// NewServer binds the diagnostic handlers to db.
func NewServer(db *database.Database) *Server {
	return &Server{db: db}
}

// routes are the server's own methods. Application-registered RestMethods
// are merged in by Router, first registration of a route wins.
func (s *Server) routes() []RestMethod {
	return []RestMethod{
		{Verb: GET_ONE, Path: "/transactions/:id", Handler: s.GetTransaction},
		{Verb: GET, Path: "/transactions/:id/errors", Handler: s.GetTransactionErrors},
		{Verb: GET, Path: "/errors", Handler: s.GetErrors},
		{Verb: GET, Path: "/reviews", Handler: s.GetReviews},
		{Verb: POST, Path: "/reviews/:id/retry", Handler: s.RetryReview},
		{Verb: GET_ONE, Path: "/reviews/:id/trace", Handler: s.GetReviewTrace},
	}
}

// Router builds the gin engine: probe and scrape routes in the clear, the
// v1 API group behind bearer-token verification, plus the swagger endpoint.
func (s *Server) Router() *gin.Engine {

	// Simple closure for header token verification.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()
	docs.SwaggerInfo.BasePath = basePath

	// Probes and the metrics scrape stay outside the authenticated group,
	// kubelets and Prometheus don't carry bearer tokens.
	router.GET("/healthz", s.Healthz)
	router.GET("/readyz", s.Readyz)
	router.GET("/metrics", gin.WrapH(s.db.Metrics().Handler()))

	methods := s.routes()
	seen := make(map[string]bool, len(methods))
	for _, rm := range methods {
		seen[routeKey(rm.Verb, rm.Path)] = true
	}
	for _, rm := range RestMethods() {
		if seen[routeKey(rm.Verb, rm.Path)] {
			continue
		}
		seen[routeKey(rm.Verb, rm.Path)] = true
		methods = append(methods, rm)
	}

	v1 := router.Group(basePath)
	{
		for _, rm := range methods {
			switch rm.Verb {
			case GET:
				fallthrough
			case GET_ONE:
				v1.GET(rm.Path, verifyHeaderToken(rm.Handler))
			case DELETE:
				v1.DELETE(rm.Path, verifyHeaderToken(rm.Handler))
			case POST:
				v1.POST(rm.Path, verifyHeaderToken(rm.Handler))
			case PUT:
				v1.PUT(rm.Path, verifyHeaderToken(rm.Handler))
			case PATCH:
				v1.PATCH(rm.Path, verifyHeaderToken(rm.Handler))
			default:
				panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
			}
		}
	}

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))
	return router
}

// routeKey collapses GET_ONE into GET so a duplicate application route can't
// panic the engine with a double registration.
func routeKey(verb HTTPVerb, path string) string {
	if verb == GET_ONE {
		verb = GET
	}
	return methodKey(verb, path)
}

var toValidate = map[string]string{
	"aud": "api://default",
	"cid": os.Getenv("OKTA_CLIENT_ID"),
}

// Verify the bearer token in header.
func verify(c *gin.Context) bool {
	status := true

	// Allow easy debugging on dev.
	if os.Getenv("DUET_ENV") == "DEV" {
		return true
	}

	token := c.Request.Header.Get("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		token = strings.TrimPrefix(token, "Bearer ")

		// Allow easy QA, bypass Okta based OAuth2 token verification w/ simple token equality check.
		if os.Getenv("DUET_ENV") == "QA" {
			devToken := os.Getenv("DUET_QA_TOKEN")
			if token == devToken {
				return true
			}
		}

		verifierSetup := jwtverifier.JwtVerifier{
			Issuer:           "https://" + os.Getenv("OKTA_DOMAIN") + "/oauth2/default",
			ClaimsToValidate: toValidate,
		}
		verifier := verifierSetup.New()
		if _, err := verifier.VerifyAccessToken(token); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": err.Error()})
			status = false
		}
	} else {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		status = false
	}
	return status
}
