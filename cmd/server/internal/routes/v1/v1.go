package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	srverr "github.com/omjvalidator/grader-api/cmd/server/internal/error"
	servermiddleware "github.com/omjvalidator/grader-api/cmd/server/internal/middleware"
	"github.com/omjvalidator/grader-api/cmd/server/internal/ratelimit"
	"github.com/omjvalidator/grader-api/cmd/server/internal/store"
	"github.com/omjvalidator/grader-api/cmd/server/internal/taskrunner"
	"github.com/omjvalidator/grader-api/internal/admission"
	"github.com/omjvalidator/grader-api/internal/config"
	"github.com/omjvalidator/grader-api/internal/content"
	"github.com/omjvalidator/grader-api/internal/logger"
	"github.com/omjvalidator/grader-api/internal/pipeline"
	"github.com/omjvalidator/grader-api/internal/progress"
)

const name = "github.com/omjvalidator/grader-api/cmd/server/internal/routes/v1"

var tracer = otel.Tracer(name)

type Handler struct {
	DB               *gorm.DB
	store            *store.Store
	hub              *progress.Hub
	gate             *admission.Gate
	runner           *pipeline.Runner
	taskrunnerClient *taskrunner.Client
	library          *content.Library
	config           *config.Config
}

func NewHandler(
	db *gorm.DB,
	submissionStore *store.Store,
	hub *progress.Hub,
	gate *admission.Gate,
	runner *pipeline.Runner,
	taskrunnerClient *taskrunner.Client,
	library *content.Library,
	cfg *config.Config,
) Handler {
	return Handler{
		DB:               db,
		store:            submissionStore,
		hub:              hub,
		gate:             gate,
		runner:           runner,
		taskrunnerClient: taskrunnerClient,
		library:          library,
		config:           cfg,
	}
}

func NewRedisLimiter(
	redisHost string,
	limiterKey string,
	perMinute int64,
	failOpen bool,
	onlyMethod *string,
) middleware.RateLimiterConfig {
	l := logger.Logger
	var store middleware.RateLimiterStore

	redisAddr := redisHost + ":6379"
	l.Debug("Setting up rate limiter with Redis", "redis", redisAddr)
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	store = ratelimit.NewRedisLimitStore(ratelimit.RedisLimiterConfig{
		PerMinute:   perMinute,
		RedisClient: rdb,
		LimiterKey:  limiterKey,
		FailOpen:    failOpen,
	})

	skipper := middleware.DefaultSkipper
	if onlyMethod != nil {
		skipper = func(c echo.Context) bool {
			return c.Request().Method != *onlyMethod
		}
	}

	return middleware.RateLimiterConfig{
		Skipper: skipper,
		Store:   store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			user, ok := c.Get("user").(*servermiddleware.AuthedUser)
			if !ok {
				return "", srverr.ErrTypeAssertMismatch
			}
			return user.ID.String(), nil
		},
		ErrorHandler: func(context echo.Context, _ error) error {
			return context.JSON(http.StatusForbidden, nil)
		},
		DenyHandler: func(context echo.Context, _ string, _ error) error {
			return context.JSON(http.StatusTooManyRequests, nil)
		},
	}
}

func (h *Handler) AddRoutes(e *echo.Echo, middlewareHandler *servermiddleware.Handler) {
	l := logger.Logger

	// Browsers cannot set Authorization on a websocket upgrade, so the
	// session key is also accepted as a query parameter.
	keyAuth := middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ,query:session_key",
		Validator: middlewareHandler.KeyAuthValidator,
	})

	v1Group := e.Group("/v1", keyAuth)

	if h.config.RateLimit != nil && h.config.RateLimit.GlobalPerMinute > 0 {
		v1Group.Use(
			middleware.RateLimiterWithConfig(
				NewRedisLimiter(
					h.config.RateLimit.RedisHost,
					"global",
					h.config.RateLimit.GlobalPerMinute,
					h.config.RateLimit.FailOpen,
					nil,
				),
			),
		)
	} else {
		l.Warn("not configured to have a global rate limit")
	}

	v1Group.GET("/ping/", h.Ping)

	taskGroup := v1Group.Group("/task/:year/:stage/:num")

	if h.config.RateLimit != nil && h.config.RateLimit.SubmitPerMinute > 0 {
		post := http.MethodPost

		taskGroup.Use(
			middleware.RateLimiterWithConfig(
				NewRedisLimiter(
					h.config.RateLimit.RedisHost,
					"submit",
					h.config.RateLimit.SubmitPerMinute,
					h.config.RateLimit.FailOpen,
					&post,
				),
			),
		)
	} else {
		l.Warn("not configured to have a submit rate limit")
	}

	taskGroup.POST("/submit/", h.Submit)

	submissionGroup := v1Group.Group("/submission/:submission_id")
	submissionGroup.GET("/", h.SubmissionStatus)
	submissionGroup.GET("/ws/", h.SubmissionWS)
}
