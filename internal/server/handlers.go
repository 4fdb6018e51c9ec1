// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, the room listing, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// WebSocketHandler upgrades GET requests to WebSocket and hands the
// connection to a new Session, which is scheduled on its own goroutine.
func (a *Acceptor) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !a.IsActive() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	a.serveSession(NewSession(conn, r.RemoteAddr, a.registry, a.cfg, a.rootLog, a.metrics))
}

// RoomsHandler responds with the names of every registered room, sorted.
func (a *Acceptor) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := a.registry.GetAllRoomNames()
	sort.Strings(names)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(RoomListing{Rooms: names}); err != nil {
		a.log.Warn().Err(err).Msg("write room listing")
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "RoomChat server is running!")
}

// TestPageHandler serves an HTML page that can create or join a room and
// chat in it.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>RoomChat WebSocket Test</title>
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
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:disabled { background-color: #999; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>RoomChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>
    <div id="rooms">Rooms: (connect to list)</div>

    <div>
        <input type="text" id="userInput" placeholder="User name">
        <input type="text" id="roomInput" placeholder="Room name">
        <button id="createButton" onclick="enter('create')">Create</button>
        <button id="joinButton" onclick="enter('join')">Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let inRoom = false;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const statusDiv = document.getElementById('status');
        const roomsDiv = document.getElementById('rooms');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'black';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function setStatus(text, ok) {
            statusDiv.textContent = text;
            statusDiv.className = 'status ' + (ok ? 'connected' : 'disconnected');
            messageInput.disabled = !ok || !inRoom;
            sendButton.disabled = !ok || !inRoom;
        }

        function enter(operation) {
            const command = {
                operation: operation,
                roomName: document.getElementById('roomInput').value.trim(),
                userName: document.getElementById('userInput').value.trim()
            };
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
            let listed = false;

            ws.onmessage = function(event) {
                if (!listed) {
                    listed = true;
                    roomsDiv.textContent = 'Rooms: ' + (JSON.parse(event.data).rooms.join(', ') || '(none)');
                    ws.send(JSON.stringify(command));
                    inRoom = true;
                    setStatus('In room ' + command.roomName + ' as ' + command.userName, true);
                    return;
                }
                addMessage(event.data);
            };

            ws.onclose = function(event) {
                inRoom = false;
                setStatus('Disconnected (' + event.code + ' ' + event.reason + ')', false);
                ws = null;
            };
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(message);
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
