// Package docs registers the OpenAPI description served under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "API Support",
            "email": "support@insider.com"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/notifications/send": {
            "post": {
                "tags": ["notifications"],
                "summary": "Send a notification",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Correlation id (UUID)", "name": "X-Correlation-ID", "in": "header"},
                    {"description": "Notification request", "name": "notification", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.SendNotificationRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/handler.Response"}}
                }
            }
        },
        "/api/v1/notifications": {
            "get": {
                "tags": ["notifications"],
                "summary": "List notifications",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "status", "in": "query"},
                    {"type": "string", "name": "channel", "in": "query"},
                    {"type": "string", "name": "subjectId", "in": "query"},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}}
                }
            }
        },
        "/api/v1/notifications/status/{id}": {
            "get": {
                "tags": ["notifications"],
                "summary": "Get notification status",
                "produces": ["application/json"],
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handler.Response"}}
                }
            }
        },
        "/api/v1/notifications/correlation/{correlationId}": {
            "get": {
                "tags": ["notifications"],
                "summary": "Get notification by correlation id",
                "produces": ["application/json"],
                "parameters": [{"type": "string", "name": "correlationId", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handler.Response"}}
                }
            }
        },
        "/api/v1/ratelimit/{subjectId}/{channel}": {
            "get": {
                "tags": ["ratelimit"],
                "summary": "Rate limit window status",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "subjectId", "in": "path", "required": true},
                    {"type": "string", "name": "channel", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}}
                }
            },
            "delete": {
                "tags": ["ratelimit"],
                "summary": "Reset rate limit window",
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "name": "subjectId", "in": "path", "required": true},
                    {"type": "string", "name": "channel", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}}
                }
            }
        },
        "/api/v1/templates": {
            "get": {
                "tags": ["templates"],
                "summary": "List templates",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}}}
            },
            "post": {
                "tags": ["templates"],
                "summary": "Create template",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"description": "Template", "name": "template", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.CreateTemplateRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handler.Response"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handler.Response"}}
                }
            }
        },
        "/api/v1/templates/{id}/render": {
            "post": {
                "tags": ["templates"],
                "summary": "Render template",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "integer", "name": "id", "in": "path", "required": true},
                    {"description": "Variables", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.RenderRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}}}
            }
        },
        "/health": {
            "get": {
                "tags": ["health"],
                "summary": "Health check",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}
            }
        },
        "/metrics/realtime": {
            "get": {
                "tags": ["metrics"],
                "summary": "Real-time metrics",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handler.Response"}}}
            }
        },
        "/ws": {
            "get": {
                "tags": ["websocket"],
                "summary": "WebSocket connection",
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        }
    },
    "definitions": {
        "handler.Error": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "details": {}
            }
        },
        "handler.Response": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "data": {},
                "error": {"$ref": "#/definitions/handler.Error"}
            }
        },
        "handler.SendNotificationRequest": {
            "type": "object",
            "required": ["subjectId", "channel", "recipient"],
            "properties": {
                "subjectId": {"type": "string", "example": "user-42"},
                "channel": {"type": "string", "enum": ["email", "sms", "push"], "example": "sms"},
                "recipient": {"type": "string", "example": "+905551234567"},
                "subject": {"type": "string"},
                "body": {"type": "string"},
                "templateId": {"type": "integer", "example": 1},
                "templateVars": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "handler.CreateTemplateRequest": {
            "type": "object",
            "required": ["name", "channel", "bodyTemplate"],
            "properties": {
                "name": {"type": "string", "example": "welcome_email"},
                "channel": {"type": "string", "enum": ["sms", "email", "push"]},
                "subjectTemplate": {"type": "string"},
                "bodyTemplate": {"type": "string", "example": "Hello {{"{{"}}name{{"}}"}}, welcome to our service!"}
            }
        },
        "handler.RenderRequest": {
            "type": "object",
            "properties": {
                "variables": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Notification Pipeline API",
	Description:      "Rate-limited notification intake with status tracking",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
