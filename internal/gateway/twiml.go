package gateway

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// twimlResponse is the SMS gateway reply envelope. The gateway delivers the
// body of each <Message> back to the sender.
type twimlResponse struct {
	XMLName  xml.Name `xml:"Response"`
	Messages []string `xml:"Message"`
}

func writeTwiML(w http.ResponseWriter, messages ...string) {
	out, err := xml.Marshal(twimlResponse{Messages: messages})
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, "%s%s", xml.Header, out)
}
