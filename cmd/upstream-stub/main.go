// upstream-stub é um serviço de destino para testar o gateway localmente:
//
//	UPSTREAM_URL=http://localhost:8081 go run ./cmd/gateway
//	go run ./cmd/upstream-stub
package main

import (
	"net/http"
	"os"

	"admission-gateway/internal/logging"
	"admission-gateway/internal/server"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	log, err := logging.New("info", "console")
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Get("/showTela", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<h1>Tela do Sistema</h1><p>Requisição recebida com sucesso!</p>"))
		log.Info("showTela acessado", zap.String("user", r.Header.Get("X-User-ID")))
	})

	addr := ":8081"
	if v := os.Getenv("STUB_ADDR"); v != "" {
		addr = v
	}
	log.Info("upstream stub listening", zap.String("addr", addr))
	if err := server.NewHTTPServer(addr, server.NewRouter(server.Options{Logger: log, Handler: r})).ListenAndServe(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
