// Package server exposes HTTP handlers, including WebSocket upgrades, message
// history, health checks, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/auth1ery/outlet/internal/auth"
	"github.com/auth1ery/outlet/internal/hub"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// ServeHistory returns the most recent messages, oldest first, to a caller
// presenting a valid bearer token.
func (m *Manager) ServeHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if _, err := m.verifier.Verify(r.Context(), token); err != nil {
		m.logger.Info("rejecting history request", "addr", r.RemoteAddr, "error", err)
		_ = writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	entries, err := m.messages.FetchRecent(r.Context(), m.cfg.HistoryLimit)
	if err != nil {
		m.logger.Error("failed to load message history", "error", err)
		_ = writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load messages"})
		return
	}

	out := make([]hub.MessagePayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, hub.MessagePayload{
			ID:          e.ID,
			Content:     e.Content,
			CreatedAt:   e.CreatedAt,
			Username:    e.Username,
			DisplayName: e.DisplayName,
			AvatarURL:   e.AvatarURL,
			UserID:      e.UserID,
		})
	}
	if err := writeJSON(w, http.StatusOK, out); err != nil {
		m.logger.Warn("error writing history response", "error", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Outlet server is running!")
}

// TestPageHandler serves an HTML page that connects to /ws with a token and
// exercises messages, typing and the online list.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Outlet WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #online, #typing { color: #555; margin: 5px 0; min-height: 1em; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        .error { color: #a00; }
    </style>
</head>
<body>
    <h1>Outlet WebSocket Test</h1>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div id="status" class="status disconnected">Disconnected</div>
    <div id="online"></div>

    <div id="messages"></div>
    <div id="typing"></div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <script>
        let ws = null;
        let typingTimer = null;
        const typers = {};
        const $ = (id) => document.getElementById(id);

        function addLine(text, cls) {
            const el = document.createElement('div');
            el.textContent = text;
            if (cls) el.className = cls;
            $('messages').appendChild(el);
            $('messages').scrollTop = $('messages').scrollHeight;
        }

        function updateStatus(connected) {
            $('status').textContent = connected ? 'Connected' : 'Disconnected';
            $('status').className = 'status ' + (connected ? 'connected' : 'disconnected');
            $('messageInput').disabled = !connected;
            $('sendButton').disabled = !connected;
            $('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function renderTyping() {
            const names = Object.keys(typers);
            $('typing').textContent = names.length ? names.join(', ') + ' typing...' : '';
        }

        async function loadHistory(token) {
            const resp = await fetch('/api/messages', { headers: { Authorization: 'Bearer ' + token } });
            if (!resp.ok) { addLine('history: ' + resp.status, 'error'); return; }
            for (const m of await resp.json()) addLine(m.display_name + ': ' + m.content);
        }

        function connect() {
            const token = $('tokenInput').value.trim();
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + encodeURIComponent(token));

            ws.onopen = () => { updateStatus(true); loadHistory(token); };
            ws.onmessage = (event) => {
                const ev = JSON.parse(event.data);
                switch (ev.type) {
                case 'message':
                    addLine(ev.payload.display_name + ': ' + ev.payload.content);
                    break;
                case 'typing':
                    if (ev.payload.typing) typers[ev.payload.username] = true; else delete typers[ev.payload.username];
                    renderTyping();
                    break;
                case 'online':
                    $('online').textContent = 'Online: ' + ev.payload.map((u) => u.display_name).join(', ');
                    break;
                case 'error':
                    addLine(ev.payload.code + ': ' + ev.payload.message, 'error');
                    break;
                }
            };
            ws.onclose = (event) => {
                addLine('Connection closed (' + event.code + (event.reason ? ' ' + event.reason : '') + ')');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) ws.close(); else connect();
        }

        function send(type, payload) {
            if (ws && ws.readyState === WebSocket.OPEN) ws.send(JSON.stringify({ type, payload }));
        }

        function sendMessage() {
            const content = $('messageInput').value.trim();
            if (!content) return;
            send('message', { content });
            $('messageInput').value = '';
            clearTimeout(typingTimer);
            typingTimer = null;
        }

        $('messageInput').addEventListener('input', () => {
            if (!typingTimer) send('typing', { typing: true });
            clearTimeout(typingTimer);
            typingTimer = setTimeout(() => { send('typing', { typing: false }); typingTimer = null; }, 2000);
        });
        $('messageInput').addEventListener('keypress', (e) => { if (e.key === 'Enter') sendMessage(); });
    </script>
</body>
</html>`
