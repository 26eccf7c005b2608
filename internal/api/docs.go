package api

const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <title>Routeshot API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <a href="/docs/events" style="
    position: fixed;
    top: 12px;
    right: 16px;
    z-index: 9999;
    background: #161b22;
    border: 1px solid #30363d;
    border-radius: 6px;
    color: #58a6ff;
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
    font-size: 12px;
    font-weight: 500;
    padding: 5px 12px;
    text-decoration: none;
  ">Session Event Feed →</a>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`

const eventsDocsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <title>Routeshot Session Events</title>
  <style>
    body { background: #0d1117; color: #c9d1d9; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; max-width: 860px; margin: 40px auto; line-height: 1.5; }
    code, pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; }
    code { padding: 1px 5px; }
    pre { padding: 12px; overflow-x: auto; }
    a { color: #58a6ff; }
    td, th { border-bottom: 1px solid #30363d; padding: 4px 10px; text-align: left; }
  </style>
</head>
<body>
  <p><a href="/docs">← REST API</a></p>
  <h1>Session event feed</h1>
  <p>Connect a WebSocket to <code>/api/v1/events</code>. Every committed session change is pushed as one JSON text frame.
  Filter with <code>?session=&lt;id&gt;</code> or <code>?scope=&lt;name&gt;</code>. Messages sent by the client are ignored.</p>
  <pre>{
  "kind": "submitted",
  "sessionId": "0b6f3f0e-5c1a-4a53-9d8e-2f0f2f7f6c11",
  "scope": "default",
  "state": "open",
  "version": 4,
  "outstanding": 3,
  "annotationIds": ["a-1", "a-2"],
  "at": "2026-10-14T09:12:44Z"
}</pre>
  <table>
    <tr><th>kind</th><th>sent when</th></tr>
    <tr><td><code>created</code></td><td>a session opens over a capture run</td></tr>
    <tr><td><code>submitted</code></td><td>the client submits annotations</td></tr>
    <tr><td><code>published</code></td><td>the client publishes; the session is read-only for the client</td></tr>
    <tr><td><code>status</code></td><td>the developer moves an annotation forward</td></tr>
    <tr><td><code>reopened</code></td><td>a resolved annotation is superseded by a new pending one</td></tr>
    <tr><td><code>resolved</code></td><td>every annotation is resolved and the session is archived</td></tr>
  </table>
  <p>Slow clients have frames dropped rather than blocking the store; refetch <code>/api/v1/sessions/{id}</code> after reconnecting.</p>
</body>
</html>`
