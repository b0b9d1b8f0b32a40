// Package apidocs serves an OpenAPI description of the Lifecycle
// Manager's privileged HTTP surface (spec §4.H), grounded on the
// teacher's kin-openapi-validated, go:embed-served spec document
// (internal/apidocs/openapi.go + the openapi_middleware_test.go
// validation test in the retrieved pack). Purely descriptive here: no
// request-validation gate is mandated by spec.md, so — like the
// teacher's own apiValidator — it stays opt-in at the caller's
// discretion.
package apidocs

import "github.com/getkin/kin-openapi/openapi3"

// Spec is the embedded OpenAPI 3 document for boxhost's privileged
// lifecycle HTTP surface (install/upgrade/rollback/delete/reload/
// setPermissions, plus the healthz endpoint).
var Spec = []byte(`openapi: "3.0.3"
info:
  title: boxhost lifecycle management API
  description: >
    Privileged HTTP surface for installing, upgrading, rolling back,
    deleting and reloading hosted apps, and for granting/revoking their
    capability permissions. Every app lifecycle endpoint requires an admin
    session (cookie) plus a matching X-CSRF-Token header.
  version: "1.0.0"
paths:
  /_boxhost/healthz:
    get:
      summary: Liveness and registry summary
      responses:
        "200":
          description: OK
  /_boxhost/api/v1/auth/login:
    post:
      summary: Start an admin session
      responses:
        "200":
          description: session established
        "401":
          description: invalid credentials
  /_boxhost/api/v1/auth/logout:
    post:
      summary: End the current admin session
      responses:
        "200":
          description: session ended
  /_boxhost/api/v1/apps/{name}/install:
    post:
      summary: Install an app from a .gin package
      parameters:
        - name: name
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: installed
        "409":
          description: app already registered
  /_boxhost/api/v1/apps/{name}/upgrade:
    post:
      summary: Upgrade an app, preserving files named in box/.gup
      parameters:
        - name: name
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: upgraded
  /_boxhost/api/v1/apps/{name}/rollback:
    post:
      summary: Roll back to the newest backup
      parameters:
        - name: name
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: rolled back
        "404":
          description: no backup available
  /_boxhost/api/v1/apps/{name}:
    delete:
      summary: Delete an app
      parameters:
        - name: name
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: deleted
        "404":
          description: app not found
  /_boxhost/api/v1/apps/{name}/reload:
    post:
      summary: Re-read app.json and permissions, recompile routes
      parameters:
        - name: name
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: reloaded
  /_boxhost/api/v1/apps/{name}/permissions:
    post:
      summary: Grant/revoke capability permissions, then reload
      parameters:
        - name: name
          in: path
          required: true
          schema:
            type: string
      requestBody:
        content:
          application/json:
            schema:
              type: object
              properties:
                permissions:
                  type: array
                  items:
                    type: string
      responses:
        "200":
          description: permissions set and app reloaded
`)

// Load parses and validates Spec, mirroring the teacher's
// TestOpenAPISpec_Validates check so a malformed document fails fast at
// startup rather than silently serving broken docs.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(Spec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	return doc, nil
}
