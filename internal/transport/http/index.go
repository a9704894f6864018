package httpserver

const indexHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>meterpoller</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: .25rem .5rem; text-align: left; }
.err { color: #b00; }
</style>
</head>
<body>
<h1>meterpoller</h1>
<p>
<a href="/api/jobs">jobs</a> ·
<a href="/api/sessions">sessions</a> ·
<a href="/api/readings?page_size=100">readings</a> ·
<a href="/api/readings.csv?page_size=1000">readings.csv</a> ·
<a href="/metrics">metrics</a>
</p>
<table id="jobs">
<thead><tr><th>table</th><th>state</th><th>interval</th><th>ticks</th><th>failures</th><th>last error</th></tr></thead>
<tbody></tbody>
</table>
<script>
fetch("/api/jobs").then(r => r.json()).then(jobs => {
  const body = document.querySelector("#jobs tbody");
  for (const j of jobs) {
    const tr = document.createElement("tr");
    for (const v of [j.name, j.state, j.intervalSeconds + "s", j.ticks, j.failures, j.lastError || ""]) {
      const td = document.createElement("td");
      td.textContent = v;
      tr.appendChild(td);
    }
    if (j.lastError) tr.lastChild.className = "err";
    body.appendChild(tr);
  }
});
</script>
</body>
</html>
`
