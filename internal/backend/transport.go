package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// ClientTx is an outstanding SIP client transaction.
type ClientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// Transport sends SIP requests on behalf of one connection service.
type Transport interface {
	// Request starts a client transaction. reauth is set when req is an
	// authenticated resend of an earlier request.
	Request(ctx context.Context, req *sip.Request, reauth bool) (ClientTx, error)
	// Write sends a request outside a transaction (ACK).
	Write(req *sip.Request) error
	Close() error
}

// sipgoTransport is the Transport used in production.
type sipgoTransport struct {
	client *sipgo.Client
}

// NewSIPTransport creates a sipgo client bound to ua.
func NewSIPTransport(ua *sipgo.UserAgent, logger *slog.Logger) (Transport, error) {
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	return &sipgoTransport{client: client}, nil
}

func (t *sipgoTransport) Request(ctx context.Context, req *sip.Request, reauth bool) (ClientTx, error) {
	var (
		tx  sip.ClientTransaction
		err error
	)
	if reauth {
		tx, err = t.client.TransactionRequest(ctx, req,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
	} else {
		tx, err = t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (t *sipgoTransport) Write(req *sip.Request) error {
	return t.client.WriteRequest(req)
}

func (t *sipgoTransport) Close() error {
	return t.client.Close()
}

// getResponse waits for the first response from a client transaction.
func getResponse(ctx context.Context, tx ClientTx) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
