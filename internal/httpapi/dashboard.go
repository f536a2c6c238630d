package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Invoice Sync Risk Board</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 1240px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
    }
    h1 { margin: 0; font-size: 1.5rem; }
    h2 { margin: 0 0 10px; font-size: 0.92rem; letter-spacing: 0.06em; text-transform: uppercase; }
    .controls { display: flex; gap: 10px; margin-top: 12px; }
    .controls input { flex: 1; border-radius: 10px; border: 1px solid var(--line); padding: 10px 12px; }
    button { border: 0; border-radius: 10px; padding: 10px 12px; font-weight: 700; cursor: pointer; }
    .btn-primary { background: var(--accent); color: #ffffff; }
    .btn-secondary { background: #efe6d7; color: var(--ink); border: 1px solid var(--line); }
    .cards { display: grid; gap: 10px; grid-template-columns: repeat(6, minmax(120px, 1fr)); }
    .label { text-transform: uppercase; letter-spacing: 0.09em; font-size: 0.66rem; color: var(--muted); }
    .value { margin-top: 6px; font-size: 1.1rem; font-weight: 700; }
    .grid { display: grid; gap: 12px; grid-template-columns: 1fr 1.4fr; }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px; border-bottom: 1px solid #eee3cf; }
    .CRITICAL { color: var(--danger); font-weight: 700; }
    .HIGH { color: var(--warn); font-weight: 700; }
    .status { font-size: 0.85rem; color: var(--muted); margin-top: 8px; }
    .mono { font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, monospace; font-size: 0.8rem; }
    @media (max-width: 900px) { .cards { grid-template-columns: repeat(2, 1fr); } .grid { grid-template-columns: 1fr; } }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>Invoice Sync Risk Board</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (only when auth is enabled)" />
        <button id="refresh" class="btn-secondary" type="button">Refresh</button>
        <button id="sync" class="btn-primary" type="button">Run Sync</button>
      </div>
      <div id="status" class="status">loading...</div>
    </section>
    <section class="cards">
      <div class="card"><div class="label">Invoices</div><div id="total" class="value">-</div></div>
      <div class="card"><div class="label">Suppliers</div><div id="suppliers" class="value">-</div></div>
      <div class="card"><div class="label">Critical</div><div id="critical" class="value">-</div></div>
      <div class="card"><div class="label">High</div><div id="high" class="value">-</div></div>
      <div class="card"><div class="label">Last Cycle</div><div id="cycle" class="value">-</div></div>
      <div class="card"><div class="label">Cursor</div><div id="cursor" class="value mono">-</div></div>
    </section>
    <section class="grid">
      <div class="panel">
        <h2>Vendors</h2>
        <table><thead><tr><th>Supplier</th><th>Invoices</th><th>Avg total</th><th>High+</th><th>Critical</th></tr></thead><tbody id="vendors"></tbody></table>
      </div>
      <div class="panel">
        <h2>Anomalies</h2>
        <table><thead><tr><th>Invoice</th><th>Supplier</th><th>Score</th><th>Level</th><th>Reasons</th></tr></thead><tbody id="anomalies"></tbody></table>
      </div>
    </section>
  </div>
  <script>
    (function () {
      const tokenInput = document.getElementById("token");
      tokenInput.value = window.localStorage.getItem("invoicesync_dashboard_token") || "";

      async function request(path, method) {
        const headers = {};
        const token = tokenInput.value.trim();
        if (token) {
          headers.Authorization = "Bearer " + token;
        }
        const res = await fetch(path, { method: method || "GET", headers: headers });
        const body = await res.json().catch(() => ({}));
        if (!res.ok) {
          throw new Error(body.message || res.statusText);
        }
        return body;
      }

      function text(id, value) {
        document.getElementById(id).textContent = String(value);
      }

      function rows(id, items, cells) {
        const tbody = document.getElementById(id);
        tbody.innerHTML = "";
        items.forEach((item) => {
          const tr = document.createElement("tr");
          cells(item).forEach((cell) => {
            const td = document.createElement("td");
            td.textContent = String(cell.value);
            if (cell.className) {
              td.className = cell.className;
            }
            tr.appendChild(td);
          });
          tbody.appendChild(tr);
        });
      }

      function showReport(report) {
        text("cycle", report.status + " (" + report.db_updated + " updated)");
        text("cursor", report.last_modified_after || "-");
      }

      async function refresh() {
        try {
          const [summary, vendors, anomalies] = await Promise.all([
            request("/dashboard/summary"),
            request("/risk/vendors"),
            request("/risk/anomalies?limit=50"),
          ]);
          text("total", summary.total_invoices);
          text("suppliers", summary.total_suppliers);
          text("critical", summary.risk_counts.CRITICAL);
          text("high", summary.risk_counts.HIGH);
          rows("vendors", vendors.rows || [], (v) => [
            { value: v.supplier }, { value: v.invoices }, { value: v.avg_total.toFixed(2) },
            { value: v.high_or_more }, { value: v.critical },
          ]);
          rows("anomalies", anomalies, (a) => [
            { value: a.invoice_id }, { value: a.supplier }, { value: a.score.toFixed(2) },
            { value: a.level, className: a.level },
            { value: a.reasons.map((r) => r.reason).join("; ") },
          ]);
          request("/sync/status").then(showReport).catch(() => text("cycle", "none yet"));
          text("status", "updated " + new Date().toLocaleTimeString());
          window.localStorage.setItem("invoicesync_dashboard_token", tokenInput.value.trim());
        } catch (err) {
          text("status", String(err && err.message ? err.message : err));
        }
      }

      document.getElementById("refresh").addEventListener("click", refresh);
      document.getElementById("sync").addEventListener("click", async function () {
        try {
          showReport(await request("/sync/run", "POST"));
        } catch (err) {
          text("status", String(err && err.message ? err.message : err));
        }
        refresh();
      });
      setInterval(refresh, 15000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
