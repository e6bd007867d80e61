package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/rpc"
)

// maxHTTPConns caps concurrent HTTP/WS connections accepted by the
// daemon's loopback listener, a guard against a runaway local client
// rather than any external DoS concern.
const maxHTTPConns = 256

// startHTTP binds the HTTP/WebSocket surface named in spec 4.C12 on
// cfg.Server.HTTPHost:HTTPPort, mirroring the IPC surface one-for-one
// under /api/..., plus /ws and /ws/terminal/{id} and a static file
// server for the bundled web assets.
func (s *Server) startHTTP() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Config.Server.HTTPHost, strconv.Itoa(s.Config.Server.HTTPPort)))
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, maxHTTPConns)

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	mux.HandleFunc("GET /ws", s.handleWSEvents)
	mux.HandleFunc("GET /ws/terminal/{id}", s.handleWSTerminal)
	mux.Handle("/", http.FileServer(http.Dir(s.webAssetsDir())))

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  s.Config.Server.ReadTimeoutDuration(),
		WriteTimeout: s.Config.Server.WriteTimeoutDuration(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Log.Error("http server exited", zap.Error(err))
		}
	}()
	return nil
}

// webAssetsDir is where the bundled single-page web UI lives (the web/
// subdirectory of the config dir), served as a static fallback under "/",
// per spec 4.C12. No assets ship in this build, so static requests get a
// 404 while the /api and /ws routes are unaffected.
func (s *Server) webAssetsDir() string {
	return filepath.Join(s.Layout.Config, "web")
}

type routeBuilder func(r *http.Request) (rpc.Request, error)

type apiRoute struct {
	pattern string
	build   routeBuilder
}

func decodeBody(r *http.Request, out *rpc.Request) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// registerAPIRoutes installs the HTTP mirror of every IPC request type
// under /api/<noun>[/id][/subnoun], per spec 4.C12's literal "the HTTP
// surface mirrors IPC one-for-one" requirement.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	routes := []apiRoute{
		{"GET /api/agents", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeAgentsList}, nil
		}},
		{"GET /api/agents/{id}", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeAgentsInspect, AgentID: r.PathValue("id")}, nil
		}},
		{"GET /api/providers", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProvidersList}, nil
		}},
		{"GET /api/providers/{id}", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProvidersInspect, ProviderID: r.PathValue("id")}, nil
		}},

		{"POST /api/profiles", bodyRoute(rpc.TypeProfilesCreate)},
		{"GET /api/profiles", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProfilesList, AgentID: r.URL.Query().Get("agent_id")}, nil
		}},
		{"GET /api/profiles/{alias}", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProfilesInspect, Alias: r.PathValue("alias")}, nil
		}},
		{"DELETE /api/profiles/{alias}", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProfilesDelete, Alias: r.PathValue("alias")}, nil
		}},
		{"GET /api/profiles/{alias}/env", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProfilesEnv, Alias: r.PathValue("alias")}, nil
		}},
		{"POST /api/profiles/{alias}/run", withAlias(bodyRoute(rpc.TypeProfilesRun))},

		{"POST /api/aliases/{alias}/install", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeAliasesInstall, Alias: r.PathValue("alias")}, nil
		}},
		{"POST /api/aliases/{alias}/uninstall", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeAliasesUninstall, Alias: r.PathValue("alias")}, nil
		}},

		{"POST /api/registry/sync", bodyRoute(rpc.TypeRegistrySync)},
		{"POST /api/registry/pin", bodyRoute(rpc.TypeRegistryPin)},
		{"GET /api/registry", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeRegistryInspect}, nil
		}},

		{"GET /api/stats", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeStats, AgentID: r.URL.Query().Get("agent_id"), ProviderID: r.URL.Query().Get("provider_id")}, nil
		}},

		{"POST /api/env/setup", bodyRoute(rpc.TypeEnvSetup)},

		{"POST /api/profiles/{alias}/hooks", withAlias(bodyRoute(rpc.TypeHooksAdd))},
		{"GET /api/profiles/{alias}/hooks", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeHooksList, Alias: r.PathValue("alias")}, nil
		}},
		{"DELETE /api/profiles/{alias}/hooks", withAlias(bodyRoute(rpc.TypeHooksRemove))},
		{"POST /api/profiles/{alias}/hooks/import", withAlias(bodyRoute(rpc.TypeHooksImport))},
		{"GET /api/profiles/{alias}/hooks/export", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeHooksExport, Alias: r.PathValue("alias")}, nil
		}},

		{"POST /api/profiles/{alias}/proxy/enable", withAlias(bodyRoute(rpc.TypeProxyEnable))},
		{"POST /api/profiles/{alias}/proxy/disable", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProxyDisable, Alias: r.PathValue("alias")}, nil
		}},
		{"POST /api/profiles/{alias}/proxy/start", withAlias(bodyRoute(rpc.TypeProxyStart))},
		{"POST /api/profiles/{alias}/proxy/stop", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProxyStop, Alias: r.PathValue("alias")}, nil
		}},
		{"POST /api/proxy/stop_all", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProxyStopAll}, nil
		}},
		{"POST /api/profiles/{alias}/proxy/restart", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProxyRestart, Alias: r.PathValue("alias")}, nil
		}},
		{"GET /api/profiles/{alias}/proxy/status", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProxyStatus, Alias: r.PathValue("alias")}, nil
		}},
		{"GET /api/profiles/{alias}/proxy/config", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProxyConfig, Alias: r.PathValue("alias")}, nil
		}},
		{"GET /api/profiles/{alias}/proxy/logs", func(r *http.Request) (rpc.Request, error) {
			lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
			return rpc.Request{Type: rpc.TypeProxyLogs, Alias: r.PathValue("alias"), LogLines: lines}, nil
		}},

		{"POST /api/profiles/{alias}/proxy/routes", withAlias(bodyRoute(rpc.TypeProxyRouteAdd))},
		{"GET /api/profiles/{alias}/proxy/routes", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeProxyRouteList, Alias: r.PathValue("alias")}, nil
		}},
		{"DELETE /api/profiles/{alias}/proxy/routes", withAlias(bodyRoute(rpc.TypeProxyRouteRemove))},

		{"POST /api/profiles/{alias}/model_aliases", withAlias(bodyRoute(rpc.TypeModelAliasSet))},
		{"GET /api/profiles/{alias}/model_aliases", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeModelAliasList, Alias: r.PathValue("alias")}, nil
		}},
		{"DELETE /api/profiles/{alias}/model_aliases", withAlias(bodyRoute(rpc.TypeModelAliasRemove))},

		{"POST /api/terminal", bodyRoute(rpc.TypeTerminalCreate)},
		{"GET /api/terminal", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeTerminalList}, nil
		}},
		{"GET /api/terminal/{id}", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeTerminalInspect, SessionID: r.PathValue("id")}, nil
		}},
		{"DELETE /api/terminal/{id}", func(r *http.Request) (rpc.Request, error) {
			return rpc.Request{Type: rpc.TypeTerminalTerminate, SessionID: r.PathValue("id")}, nil
		}},
	}

	for _, route := range routes {
		route := route
		mux.HandleFunc(route.pattern, s.apiHandler(route.build))
	}
}

// bodyRoute decodes the request body directly into an rpc.Request and
// stamps its Type, for operations whose fields are best supplied as a
// JSON body rather than path/query parameters.
func bodyRoute(t string) routeBuilder {
	return func(r *http.Request) (rpc.Request, error) {
		var req rpc.Request
		if err := decodeBody(r, &req); err != nil {
			return req, err
		}
		req.Type = t
		return req, nil
	}
}

// withAlias wraps a body-decoding builder so the path's {alias} segment
// always wins over whatever (if anything) the body supplied.
func withAlias(next routeBuilder) routeBuilder {
	return func(r *http.Request) (rpc.Request, error) {
		req, err := next(r)
		if err != nil {
			return req, err
		}
		req.Alias = r.PathValue("alias")
		return req, nil
	}
}

func (s *Server) apiHandler(build routeBuilder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := build(r)
		if err != nil {
			writeResponse(w, http.StatusBadRequest, rpc.Fail(apierr.New(apierr.CodeValidation, err.Error())))
			return
		}
		s.touch()
		resp := s.dispatch(context.Background(), req)
		status := http.StatusOK
		if !resp.Success && resp.Error != nil {
			status = apierr.HTTPStatus(resp.Error.Code)
		}
		writeResponse(w, status, resp)
	}
}

func writeResponse(w http.ResponseWriter, status int, resp rpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
