package server

import "html/template"

var clientPage = template.Must(template.New("client").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Proctor</title>
<style>
  html, body { margin: 0; height: 100%; font-family: sans-serif; }
  #banner { padding: 4px 8px; background: #eee; }
  iframe { width: 100%; height: calc(100% - 30px); border: 0; }
</style>
</head>
<body>
<div id="banner">Proctor: <span id="status">connecting</span></div>
<iframe id="context" src="about:blank"></iframe>
<script>
(function () {
  var root = {{.Root}};
  var id = new URLSearchParams(location.search).get("id") || "";
  var status = document.getElementById("status");
  var frame = document.getElementById("context");
  var events = new EventSource(root + "events?id=" + encodeURIComponent(id));
  events.addEventListener("registered", function (e) {
    id = JSON.parse(e.data);
    status.textContent = "captured (" + id + ")";
  });
  events.addEventListener("execute", function () {
    status.textContent = "executing";
    frame.src = root + "context.html?id=" + encodeURIComponent(id) + "&t=" + Date.now();
  });
  events.addEventListener("stop", function () {
    status.textContent = "stopped";
    events.close();
  });
  events.onerror = function () { status.textContent = "disconnected"; };
})();
</script>
</body>
</html>
`))

// contextPage loads the included files in order. A test adapter reports
// through window.__proctor__.complete.
var contextPage = template.Must(template.New("context").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
{{range .Styles}}<link rel="stylesheet" href="{{.}}">
{{end}}<script>
window.__proctor__ = {
  complete: function (result) {
    var xhr = new XMLHttpRequest();
    xhr.open("POST", {{.Root}} + "complete?id=" + encodeURIComponent({{.ID}}));
    xhr.setRequestHeader("Content-Type", "application/json");
    xhr.send(JSON.stringify(result || {}));
  }
};
window.onerror = function (msg) {
  window.__proctor__.complete({error: true, message: String(msg)});
};
</script>
</head>
<body>
{{range .Scripts}}<script src="{{.}}"></script>
{{end}}</body>
</html>
`))

// Personal.AI order the ending
