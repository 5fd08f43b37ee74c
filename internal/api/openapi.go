package api

import (
	"net/http"
	"strings"
)

type routeDoc struct {
	method  string
	path    string
	summary string
	body    string
	public  bool
}

var routeDocs = []routeDoc{
	{method: http.MethodGet, path: "/healthz", summary: "Service health and active separation", public: true},
	{method: http.MethodPost, path: "/v1/validate", summary: "Check that a URL can be downloaded", body: "ValidateRequest"},
	{method: http.MethodGet, path: "/v1/settings", summary: "Read engine settings"},
	{method: http.MethodPut, path: "/v1/settings", summary: "Save the download directory", body: "SettingsRequest"},
	{method: http.MethodPost, path: "/v1/download", summary: "Download audio; progress on download.progress", body: "DownloadRequest"},
	{method: http.MethodPost, path: "/v1/separate", summary: "Separate stems; progress on separation.progress", body: "SeparateRequest"},
	{method: http.MethodPost, path: "/v1/separate/cancel", summary: "Cancel the running separation"},
	{method: http.MethodGet, path: "/v1/jobs", summary: "Recent jobs, newest first"},
	{method: http.MethodGet, path: "/v1/jobs/{jobID}", summary: "One job log entry"},
	{method: http.MethodGet, path: "/v1/events", summary: "Server-sent event stream"},
}

var requestSchemas = map[string]map[string]any{
	"ValidateRequest": objectSchema([]string{"url"}, "url"),
	"SettingsRequest": objectSchema([]string{"download_path"}, "download_path"),
	"DownloadRequest": objectSchema([]string{"url", "output_dir", "format", "quality"}, "url", "output_dir", "format", "quality"),
	"SeparateRequest": objectSchema([]string{"input_path", "output_dir"}, "input_path", "output_dir", "format"),
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the routes above.
func buildOpenAPIDoc(secured bool) map[string]any {
	paths := map[string]any{}

	for _, rd := range routeDocs {
		operation := map[string]any{
			"operationId": operationID(rd),
			"summary":     rd.summary,
			"responses": map[string]any{
				"200": map[string]any{"description": "Result"},
			},
		}
		if rd.body != "" {
			operation["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{"$ref": "#/components/schemas/" + rd.body},
					},
				},
			}
			operation["responses"].(map[string]any)["400"] = map[string]any{"description": "Bad request"}
		}
		if secured && !rd.public {
			operation["security"] = []any{map[string]any{"BearerAuth": []string{}}}
			operation["responses"].(map[string]any)["401"] = map[string]any{"description": "Unauthorized"}
		}

		item, _ := paths[rd.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rd.path] = item
		}
		item[strings.ToLower(rd.method)] = operation
	}

	schemas := map[string]any{}
	for name, schema := range requestSchemas {
		schemas[name] = schema
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "stemdeck",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": schemas,
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.APIKey != ""))
}

func operationID(rd routeDoc) string {
	p := strings.NewReplacer("/v1/", "", "/", "_", "{", "", "}", "").Replace(rd.path)
	return strings.ToLower(rd.method) + "_" + strings.Trim(p, "_")
}

func objectSchema(required []string, props ...string) map[string]any {
	properties := map[string]any{}
	for _, p := range props {
		properties[p] = map[string]any{"type": "string"}
	}
	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}
