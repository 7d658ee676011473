package matching

import "context"

// StubEngine is a canned-response Engine for tests.
type StubEngine struct {
	Result *PlaceOrderResult
	Book   *Orderbook
	Err    error

	// PlacedOrders records every request received.
	PlacedOrders []PlaceOrderRequest
}

func (s *StubEngine) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	s.PlacedOrders = append(s.PlacedOrders, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result != nil {
		return s.Result, nil
	}
	return &PlaceOrderResult{OrderID: "engine-" + req.ReservationID, Status: "ACCEPTED"}, nil
}

func (s *StubEngine) GetOrderbook(context.Context, string, string) (*Orderbook, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Book != nil {
		return s.Book, nil
	}
	return &Orderbook{}, nil
}
