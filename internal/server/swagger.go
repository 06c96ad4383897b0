package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"
)

// setupSwaggerRoutes serves the OpenAPI description and a Swagger UI page
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods(http.MethodGet)

	r.HandleFunc("/docs", s.serveSwaggerIndex).Methods(http.MethodGet)
	r.HandleFunc("/docs/", s.serveSwaggerIndex).Methods(http.MethodGet)
}

func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !strings.HasSuffix(r.URL.Path, ".json") {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(s.spec)
		return
	}

	jsonData, err := specToJSON(s.spec)
	if err != nil {
		s.logger.WithError(err).Error("Failed to convert OpenAPI spec")
		http.Error(w, "Error converting OpenAPI spec", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jsonData)
}

// specToJSON converts the YAML description to indented JSON
func specToJSON(spec []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(spec, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return json.MarshalIndent(jsonCompatible(doc), "", "  ")
}

// jsonCompatible rewrites the map[interface{}]interface{} nodes yaml.v2 produces
func jsonCompatible(v interface{}) interface{} {
	switch node := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, val := range node {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []interface{}:
		for i, val := range node {
			node[i] = jsonCompatible(val)
		}
		return node
	default:
		return v
	}
}

func (s *Server) serveSwaggerIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	specURL := getBaseURL(r) + "/docs/openapi.yaml"

	html := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Traffic Router - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                supportedSubmitMethods: ['get', 'post'],
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`, specURL)

	_, _ = w.Write([]byte(html))
}

// getBaseURL extracts the externally visible base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}
