package api

// docsHTML and openAPISpec back the static /docs and /openapi.json routes,
// served over the teacher's own router (julienschmidt/httprouter powers the
// teacher's static asset serving; gin handles everything else here, so
// these two stay plain string constants rather than a templating layer).
const docsHTML = `<!doctype html>
<html>
<head><title>resibroker API</title></head>
<body>
<h1>resibroker</h1>
<p>See <a href="/openapi.json">/openapi.json</a> for the machine-readable route table.</p>
</body>
</html>`

const openAPISpec = `{
  "openapi": "3.0.3",
  "info": {"title": "resibroker", "version": "1"},
  "paths": {
    "/healthcheck": {"get": {"summary": "Dependency health probe"}},
    "/rate-limits": {"get": {"summary": "Current rate-limit counters for a hotkey"}},
    "/get-folder-access": {"post": {"summary": "Mint a miner's own upload credential"}},
    "/get-validator-access": {"post": {"summary": "Mint a validator's global read credential"}},
    "/get-miner-specific-access": {"post": {"summary": "Mint a validator's per-miner read credential"}},
    "/api/v1/s3-access/validator-upload": {"post": {"summary": "Mint a validator upload credential for a completed epoch"}},
    "/api/v1/zipcode-assignments/current": {"get": {"summary": "Current active epoch assignments"}},
    "/api/v1/zipcode-assignments/epoch/{id}": {"get": {"summary": "Historical epoch assignments"}},
    "/api/v1/zipcode-assignments/stats": {"get": {"summary": "Public epoch summary statistics"}}
  }
}`
