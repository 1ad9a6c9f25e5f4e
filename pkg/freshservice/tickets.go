package freshservice

import (
	"fmt"
	"net/http"
)

// ticketEnvelope is the entity key wrapping ticket request and response
// bodies: {"ticket": {...}}.
const ticketEnvelope = "ticket"

// TicketCreate builds a POST /tickets request with the fields wrapped in the
// ticket envelope.
func TicketCreate(fields map[string]any) Request {
	return Request{
		Method: http.MethodPost,
		Path:   "tickets",
		Body:   map[string]any{ticketEnvelope: fields},
	}
}

// TicketUpdate builds a PUT /tickets/{id} request with the fields wrapped in
// the ticket envelope.
func TicketUpdate(id int64, fields map[string]any) Request {
	return Request{
		Method: http.MethodPut,
		Path:   fmt.Sprintf("tickets/%d", id),
		Body:   map[string]any{ticketEnvelope: fields},
	}
}

// TicketGet builds a GET /tickets/{id} request.
func TicketGet(id int64) Request {
	return Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("tickets/%d", id),
	}
}

// TicketID unwraps the server-assigned ticket id from a create response.
func TicketID(resp *Response) (int64, error) {
	var body struct {
		Ticket struct {
			ID int64 `json:"id"`
		} `json:"ticket"`
	}
	if err := resp.JSON(&body); err != nil {
		return 0, err
	}

	return body.Ticket.ID, nil
}
