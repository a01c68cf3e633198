package publish

import (
	"net/http"
	"strconv"

	"github.com/cyclopcam/www"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HttpStream upgrades to a websocket, and streams frames until the client disconnects.
// Example: websocat 'ws://localhost:8090/api/stream?encoding=jpeg'
func (h *Hub) HttpStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	encoding := r.URL.Query().Get("encoding")
	switch encoding {
	case "", EncodingBGR8, EncodingJPEG:
	default:
		www.PanicBadRequestf("Invalid encoding '%v'. Valid values are '%v' and '%v'", encoding, EncodingBGR8, EncodingJPEG)
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("Websocket upgrade failed: %v", err)
		return
	}
	h.Run(conn, encoding)
}

// HttpLatestJPEG returns the most recent frame as a JPEG.
// Example: curl -o latest.jpg localhost:8090/api/latest.jpg
func (h *Hub) HttpLatestJPEG(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	pkt := h.Latest()
	if pkt == nil {
		www.PanicBadRequestf("No image available yet")
	}
	jpg, err := pkt.JPEG()
	www.Check(err)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Sequence", strconv.FormatUint(pkt.Frame.Sequence, 10))
	w.Write(jpg)
}
