package server

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Frame Relay</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #ddd; margin: 20px; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 20px; }
        img { width: 100%; background: #000; }
        table { width: 100%; border-collapse: collapse; }
        td { padding: 4px 0; border-bottom: 1px solid #333; }
        td:last-child { text-align: right; font-family: monospace; }
        label { display: block; margin-top: 8px; }
        #status { font-family: monospace; font-size: 12px; word-break: break-all; }
    </style>
</head>
<body>
    <h1>Frame Relay</h1>
    <div class="grid">
        <div>
            <img id="stream" src="/stream.mjpeg" alt="Current frame">
            <p id="status">waiting for frames</p>
        </div>
        <div>
            <h2>Stats</h2>
            <table>
                <tr><td>Producers</td><td id="clients">-</td></tr>
                <tr><td>Frames</td><td id="frames">-</td></tr>
                <tr><td>Data (MB)</td><td id="dataMB">-</td></tr>
                <tr><td>Errors</td><td id="errors">-</td></tr>
                <tr><td>Uptime (s)</td><td id="uptime">-</td></tr>
            </table>

            <h2>Output</h2>
            <form id="config">
                <label>Format
                    <select name="outputFormat">
                        <option value="png">png</option>
                        <option value="webp">webp</option>
                        <option value="jpeg">jpeg</option>
                    </select>
                </label>
                <label>Quality <input name="quality" type="number" min="10" max="100"></label>
                <button type="submit">Apply</button>
                <button type="button" id="clear">Clear frame</button>
            </form>
        </div>
    </div>
    <script>
        const form = document.getElementById('config');

        function showConfig(cfg) {
            form.outputFormat.value = cfg.outputFormat;
            form.quality.value = cfg.quality;
        }

        fetch('/config').then(r => r.json()).then(showConfig);

        form.addEventListener('submit', e => {
            e.preventDefault();
            fetch('/config', {
                method: 'POST',
                headers: {'Content-Type': 'application/json'},
                body: JSON.stringify({
                    outputFormat: form.outputFormat.value,
                    quality: Number(form.quality.value),
                }),
            }).then(r => r.json()).then(showConfig);
        });

        document.getElementById('clear').addEventListener('click', () => {
            fetch('/clear', {method: 'POST'});
        });

        const events = new EventSource('/stats/stream');
        events.onmessage = e => {
            const s = JSON.parse(e.data);
            for (const key of ['clients', 'frames', 'dataMB', 'errors', 'uptime']) {
                document.getElementById(key).textContent = s[key];
            }
            document.getElementById('status').textContent = s.lastFrameStatus;
        };
    </script>
</body>
</html>
`
