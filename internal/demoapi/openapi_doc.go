package demoapi

// openAPIDocument describes every route the demo API serves. Path and method
// declaration order here is what the engine's parser preserves.
const openAPIDocument = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Demo Notes API",
    "version": "1.0.0",
    "description": "Staged-vulnerability API for scan engine demos."
  },
  "paths": {
    "/users": {
      "get": {"summary": "List users", "responses": {"200": {"description": "OK"}}},
      "post": {"summary": "Create user", "responses": {"201": {"description": "Created"}}}
    },
    "/users/{id}": {
      "get": {"summary": "Get user", "responses": {"200": {"description": "OK"}}}
    },
    "/notes": {
      "get": {"summary": "List notes", "responses": {"200": {"description": "OK"}}}
    },
    "/notes/{id}": {
      "get": {"summary": "Get note", "responses": {"200": {"description": "OK"}}}
    },
    "/admin/config": {
      "get": {"summary": "Read runtime config", "responses": {"200": {"description": "OK"}}}
    },
    "/debug/error": {
      "get": {"summary": "Trigger an error", "responses": {"500": {"description": "Error"}}}
    }
  }
}`
