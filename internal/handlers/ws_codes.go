package handlers

// Custom websocket close codes used by the store handler.
const (
	BadSubprotocolError = 3000 // Client connected without the pigstore subprotocol.
)
