package rpc

import (
	"encoding/json"
	"net/http"

	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
	"marketd/market/listing"
)

// CreateListingParams is the draft a seller submits. Identity and timestamps
// are assigned server-side.
type CreateListingParams struct {
	Title            string               `json:"title"`
	ShortDescription string               `json:"shortDescription"`
	LongDescription  string               `json:"longDescription"`
	Pricing          *listing.Pricing     `json:"pricing"`
	Payment          *listing.Payment     `json:"payment"`
	Escrow           *listing.EscrowTerms `json:"escrow"`
	Images           []string             `json:"images"`
	Metadata         map[string]string    `json:"metadata"`
}

// CreateListingResult returns the derived content identity alongside the
// stored listing.
type CreateListingResult struct {
	ID      market.ID        `json:"id"`
	Listing *listing.Listing `json:"listing"`
}

type listingIDParam struct {
	ID market.ID `json:"id"`
}

type placeBidParams struct {
	ListingID market.ID `json:"listingId"`
	Amount    string    `json:"amount"`
}

type bidIDParam struct {
	BidID market.ID `json:"bidId"`
}

type resolveEscrowParams struct {
	BidID   market.ID `json:"bidId"`
	Outcome string    `json:"outcome"`
}

func decodeParam(req *RPCRequest, v any) error {
	if len(req.Params) == 0 {
		return market.Validationf("parameter object required")
	}
	if err := json.Unmarshal(req.Params[0], v); err != nil {
		return market.Validationf("invalid parameter object: %v", err)
	}
	return nil
}

func (s *Server) handleCreateListing(w http.ResponseWriter, req *RPCRequest) {
	var params CreateListingParams
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	draft := &listing.Listing{
		Title:            params.Title,
		ShortDescription: params.ShortDescription,
		LongDescription:  params.LongDescription,
		Pricing:          params.Pricing,
		Payment:          params.Payment,
		Images:           params.Images,
		Metadata:         params.Metadata,
	}
	if params.Escrow != nil {
		draft.Escrow = *params.Escrow
	} else {
		draft.Escrow = listing.EscrowTerms{Type: listing.EscrowTypeRatio, BuyerRatioBps: 5000}
	}
	posted, err := s.node.PostListing(draft)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, CreateListingResult{ID: posted.ID, Listing: posted})
}

func (s *Server) handleGetListing(w http.ResponseWriter, req *RPCRequest) {
	var params listingIDParam
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	l, err := s.node.GetListing(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, l)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, req *RPCRequest) {
	var params placeBidParams
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	b, err := s.node.PlaceBid(params.ListingID, params.Amount)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, b)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, req *RPCRequest) {
	s.bidAction(w, req, s.node.AcceptBid)
}

func (s *Server) handleRejectBid(w http.ResponseWriter, req *RPCRequest) {
	s.bidAction(w, req, s.node.RejectBid)
}

func (s *Server) handleCancelBid(w http.ResponseWriter, req *RPCRequest) {
	s.bidAction(w, req, s.node.CancelBid)
}

func (s *Server) bidAction(w http.ResponseWriter, req *RPCRequest, op func(market.ID) (*bid.Bid, error)) {
	var params bidIDParam
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	b, err := op(params.BidID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, b)
}

func (s *Server) handleGetBid(w http.ResponseWriter, req *RPCRequest) {
	var params bidIDParam
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	b, err := s.node.GetBid(params.BidID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, b)
}

func (s *Server) handleLockEscrow(w http.ResponseWriter, req *RPCRequest) {
	s.escrowAction(w, req, s.node.LockEscrow)
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, req *RPCRequest) {
	s.escrowAction(w, req, s.node.ReleaseEscrow)
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, req *RPCRequest) {
	s.escrowAction(w, req, s.node.RefundEscrow)
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, req *RPCRequest) {
	s.escrowAction(w, req, s.node.DisputeEscrow)
}

func (s *Server) escrowAction(w http.ResponseWriter, req *RPCRequest, op func(market.ID) (*escrow.Escrow, error)) {
	var params bidIDParam
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	esc, err := op(params.BidID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, esc)
}

func (s *Server) handleResolveEscrow(w http.ResponseWriter, req *RPCRequest) {
	var params resolveEscrowParams
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	esc, err := s.node.ResolveEscrow(params.BidID, params.Outcome)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, esc)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, req *RPCRequest) {
	var params bidIDParam
	if err := decodeParam(req, &params); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	o, err := s.node.GetOrder(params.BidID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, o)
}
