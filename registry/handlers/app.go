package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/configuration"
	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/reference"
	"github.com/stevedore/stevedore/registry/api/errcode"
	v2 "github.com/stevedore/stevedore/registry/api/v2"
	"github.com/stevedore/stevedore/registry/auth"
	"github.com/stevedore/stevedore/registry/storage"
	memorycache "github.com/stevedore/stevedore/registry/storage/cache/memory"
	rediscache "github.com/stevedore/stevedore/registry/storage/cache/redis"
	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
	"github.com/stevedore/stevedore/registry/storage/driver/factory"

	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/mux"
)

// App is a global registry application object. Shared resources can be
// placed on this object that will be accessible from all requests. Any
// writable fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	router           *mux.Router                 // main application router, configured with dispatchers
	driver           storagedriver.StorageDriver // driver maintains the app global storage driver instance.
	registry         stevedore.Namespace         // registry is the primary registry backend for the app instance.
	accessController auth.AccessController       // main access controller for application

	// readOnly is true if the registry is in maintenance mode and mutations
	// are rejected.
	readOnly bool

	redis *redis.Pool
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) *App {
	app := &App{
		Config:   config,
		Context:  ctx,
		router:   v2.RouterWithPrefix(config.HTTP.Prefix),
		readOnly: config.Storage.ReadOnly(),
	}

	// Unmatched paths under the API root get an error envelope instead
	// of the router's bare 404.
	app.router.NotFoundHandler = http.HandlerFunc(app.apiRouteNotFound)

	// Register the handler dispatchers.
	app.register(v2.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)

	var err error
	app.driver, err = factory.Create(config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		panic(err)
	}

	app.configureRedis(config)

	options := []storage.RegistryOption{storage.EnableRedirect}
	if config.Storage.DeleteEnabled() {
		options = append(options, storage.EnableDelete)
	}

	switch cacheType := config.Storage.BlobDescriptorCacheType(); cacheType {
	case "redis":
		if app.redis == nil {
			panic("redis configuration required to use for layerinfo cache")
		}
		cacheProvider := rediscache.NewRedisBlobDescriptorCacheProvider(app.redis)
		options = append(options, storage.BlobDescriptorCacheProvider(cacheProvider))
		dcontext.GetLogger(app).Infof("using redis blob descriptor cache")
	case "inmemory":
		cacheProvider := memorycache.NewInMemoryBlobDescriptorCacheProvider()
		options = append(options, storage.BlobDescriptorCacheProvider(cacheProvider))
		dcontext.GetLogger(app).Infof("using inmemory blob descriptor cache")
	case "":
		// no cache
	default:
		dcontext.GetLogger(app).Warnf("unknown cache type %q, caching disabled", cacheType)
	}

	app.registry, err = storage.NewRegistry(app, app.driver, options...)
	if err != nil {
		panic("could not create registry: " + err.Error())
	}

	authType := config.Auth.Type()
	if authType != "" {
		accessController, err := auth.GetAccessController(authType, config.Auth.Parameters())
		if err != nil {
			panic(fmt.Sprintf("unable to configure authorization (%s): %v", authType, err))
		}
		app.accessController = accessController
		dcontext.GetLogger(app).Debugf("configured %q access controller", authType)
	}

	return app
}

// Registry returns the registry namespace backing the app.
func (app *App) Registry() stevedore.Namespace {
	return app.registry
}

// register a handler with the application, by route name. The handler will
// be passed through the application filters and context will be constructed
// at request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(dispatch))
}

// configureRedis builds the redis pool when an address is configured.
func (app *App) configureRedis(config *configuration.Configuration) {
	if config.Redis.Addr == "" {
		return
	}

	app.redis = &redis.Pool{
		Dial: func() (redis.Conn, error) {
			var opts []redis.DialOption
			if config.Redis.Password != "" {
				opts = append(opts, redis.DialPassword(config.Redis.Password))
			}
			if config.Redis.DB != 0 {
				opts = append(opts, redis.DialDatabase(config.Redis.DB))
			}
			return redis.Dial("tcp", config.Redis.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Wait:        false, // if a connection is not available, proceed without cache.
	}
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	// Set a header with the Docker Distribution API Version for all
	// responses.
	w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed
// handler for the route. The dispatcher will use this to dynamically create
// request specific handlers for each endpoint without creating a new router
// for each request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher returns a handler that constructs a request specific context
// and handler, using the dispatch factory function.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := app.context(w, r)

		defer func() {
			// Automated error response handling here. Handlers may return
			// their own errors if they need different behavior (such as
			// range errors for layer upload).
			if ctx.Errors.Len() > 0 {
				_ = errcode.ServeJSON(w, ctx.Errors)
				app.logError(ctx, ctx.Errors)
			}
		}()

		defer func() {
			status, ok := ctx.Value("http.response.status").(int)
			if ok && status >= 200 && status <= 399 {
				dcontext.GetResponseLogger(ctx).Infof("response completed")
			}
		}()

		if err := app.authorized(w, r, ctx); err != nil {
			dcontext.GetLogger(ctx).Warnf("error authorizing context: %v", err)
			return
		}

		// sync up context on the request.
		r = r.WithContext(ctx)

		if app.readOnly && mutatesRepo(r.Method) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnavailable.WithDetail("registry in read-only mode"))
			return
		}

		if app.nameRequired(r) {
			nameRef, err := reference.WithName(getName(ctx))
			if err != nil {
				dcontext.GetLogger(ctx).Errorf("error parsing reference from context: %v", err)
				ctx.Errors = append(ctx.Errors, v2.ErrorCodeNameInvalid.WithDetail(err))
				return
			}

			repository, err := app.registry.Repository(ctx, nameRef)
			if err != nil {
				dcontext.GetLogger(ctx).Errorf("error resolving repository: %v", err)

				switch err := err.(type) {
				case stevedore.ErrRepositoryUnknown:
					ctx.Errors = append(ctx.Errors, v2.ErrorCodeNameUnknown.WithDetail(err))
				case stevedore.ErrRepositoryNameInvalid:
					ctx.Errors = append(ctx.Errors, v2.ErrorCodeNameInvalid.WithDetail(err))
				case errcode.Error:
					ctx.Errors = append(ctx.Errors, err)
				default:
					ctx.Errors = append(ctx.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
				}
				return
			}

			ctx.Repository = repository
		}

		dispatch(ctx, r).ServeHTTP(w, r)
	})
}

func (app *App) logError(ctx context.Context, errors errcode.Errors) {
	for _, e := range errors {
		var code errcode.ErrorCode
		var message, detail string

		switch ex := e.(type) {
		case errcode.Error:
			code = ex.Code
			message = ex.Message
			detail = fmt.Sprintf("%+v", ex.Detail)
		case errcode.ErrorCode:
			code = ex
			message = ex.Message()
		default:
			// just normal go 'error'
			code = errcode.ErrorCodeUnknown
			message = ex.Error()
		}

		logger := dcontext.GetLogger(ctx).WithField("code", code.String())
		if detail != "" {
			logger = logger.WithField("detail", detail)
		}

		logger.Errorf("response error: %s", message)
	}
}

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	ctx := r.Context()
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx,
		"vars.name",
		"vars.reference",
		"vars.digest",
		"vars.uuid"))

	context := &Context{
		App:     app,
		Context: ctx,
	}

	context.urlBuilder = v2.NewURLBuilderFromRequest(r, false)

	return context
}

// authorized checks if the request can proceed with access to the requested
// repository. If it succeeds, the context may access the requested
// repository. An error will be returned if access is not available.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, context *Context) error {
	dcontext.GetLogger(context).Debug("authorizing request")
	repo := getName(context)

	if app.accessController == nil {
		return nil // access controller is not enabled.
	}

	var accessRecords []auth.Access

	if repo != "" {
		accessRecords = appendAccessRecords(accessRecords, r.Method, repo)
	} else {
		// Only allow the name not to be set on the base or catalog routes.
		if app.nameRequired(r) {
			// For this to be properly secured, repo must always be set for a
			// resource that may make a modification. The only condition under
			// which name is not set and we still allow access is when the
			// base route is accessed. This section prevents us from making
			// that mistake elsewhere in the code, allowing any operation to
			// proceed.
			errs := errcode.Errors{errcode.ErrorCodeUnauthorized}
			if err := errcode.ServeJSON(w, errs); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, errs)
			}
			return fmt.Errorf("forbidden: no repository name")
		}
		accessRecords = appendCatalogAccessRecord(accessRecords, r)
	}

	ctx, err := app.accessController.Authorized(context.Context, accessRecords...)
	if err != nil {
		switch err := err.(type) {
		case auth.Challenge:
			// Add the appropriate WWW-Auth header
			err.SetHeaders(r, w)

			errs := errcode.Errors{errcode.ErrorCodeUnauthorized.WithDetail(accessRecords)}
			if err := errcode.ServeJSON(w, errs); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, errs)
			}
		default:
			// A non-challenge error means the backend denied outright or
			// failed. Serve a bare denial carrying no detail to avoid
			// leaking anything about the controller.
			dcontext.GetLogger(context).Errorf("error checking authorization: %v", err)

			errs := errcode.Errors{errcode.ErrorCodeDenied}
			if err := errcode.ServeJSON(w, errs); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, errs)
			}
		}

		return err
	}

	dcontext.GetLoggerWithField(ctx, "auth.user.name", getUserName(ctx, r)).Debug("authorized request")

	context.Context = ctx
	return nil
}

// mutatesRepo returns true for methods that modify registry state.
func mutatesRepo(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// nameRequired returns true if the route requires a name.
func (app *App) nameRequired(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return true
	}
	routeName := route.GetName()
	return routeName != v2.RouteNameBase && routeName != v2.RouteNameCatalog
}

// apiBase answers the version check endpoint with an empty JSON body.
// Authorization still runs ahead of it, so clients can use the round trip
// to establish credentials.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

// apiRouteNotFound serves the error envelope for paths under the API
// root that match no route, keeping the API surface JSON end to end.
// Anything outside the root gets a plain 404.
func (app *App) apiRouteNotFound(w http.ResponseWriter, r *http.Request) {
	// The configured prefix carries its own trailing slash.
	apiRoot := strings.TrimSuffix(app.Config.HTTP.Prefix, "/") + "/v2/"
	if !strings.HasPrefix(r.URL.Path, apiRoot) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)

	enc := json.NewEncoder(w)
	if err := enc.Encode(errcode.Errors{errcode.ErrorCodeUnsupported.WithMessage("unknown route")}); err != nil {
		dcontext.GetLogger(r.Context()).Errorf("error encoding not found response: %v", err)
	}
}

// appendAccessRecords checks the method and adds the appropriate Access
// records to the records list.
func appendAccessRecords(records []auth.Access, method string, repo string) []auth.Access {
	resource := auth.Resource{
		Type: "repository",
		Name: repo,
	}

	switch method {
	case http.MethodGet, http.MethodHead:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "pull",
			})
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "pull",
			},
			auth.Access{
				Resource: resource,
				Action:   "push",
			})
	case http.MethodDelete:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   "delete",
			})
	}
	return records
}

// appendCatalogAccessRecord returns the accessRecord for the catalog if
// applicable.
func appendCatalogAccessRecord(accessRecords []auth.Access, r *http.Request) []auth.Access {
	route := mux.CurrentRoute(r)
	if route != nil && route.GetName() == v2.RouteNameCatalog {
		resource := auth.Resource{
			Type: "registry",
			Name: "catalog",
		}

		accessRecords = append(accessRecords,
			auth.Access{
				Resource: resource,
				Action:   "*",
			})
	}
	return accessRecords
}
