package dashboard

const loginPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Pool login</title></head>
<body>
<form method="post" action="/login">
  <input name="username" placeholder="username" autocomplete="username">
  <input name="password" type="password" placeholder="password" autocomplete="current-password">
  <button type="submit">Log in</button>
</form>
</body>
</html>
`

const indexPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Solo pool</title></head>
<body>
<h1 id="pool">Solo pool</h1>
<p><a href="/logout">Log out</a></p>
<h2>Pool</h2><pre id="pool-data"></pre>
<h2>Miners</h2><pre id="miners-data"></pre>
<h2>Shares</h2><pre id="shares-data"></pre>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (ev) => {
  const msg = JSON.parse(ev.data);
  const el = document.getElementById(msg.type + "-data");
  if (!el) return;
  const data = msg.type === "shares" ? msg.data.slice(-50) : msg.data;
  el.textContent = JSON.stringify(data, null, 2);
  if (msg.type === "pool") document.getElementById("pool").textContent = msg.data.poolName;
};
</script>
</body>
</html>
`
