package httpapi

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/MarkoPoloResearchLab/mtaa/internal/mpesa"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/booking"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxCallbackBytes = 64 << 10

type party int

const (
	partyConsumer party = 1 << iota
	partyProvider
	partyEither = partyConsumer | partyProvider
)

func (handler *httpHandler) handleCreateBooking(ctx *gin.Context) {
	consumerID, _, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request createBookingRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	providerID, err := ledger.NewProviderID(request.ProviderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	price, ok := handler.parseMoney(ctx, request.Price)
	if !ok {
		return
	}
	plan, err := booking.ParsePaymentPlan(request.Plan)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	created, err := handler.services.Bookings.CreateBooking(requestCtx, providerID, consumerID, price, request.ScheduledAt, plan)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": newBookingPayload(created)})
}

func (handler *httpHandler) handleCreateQuote(ctx *gin.Context) {
	consumerID, _, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request createQuoteRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	providerID, err := ledger.NewProviderID(request.ProviderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	quotedPrice, ok := handler.parseMoney(ctx, request.QuotedPrice)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	quoted, err := handler.services.Bookings.CreateQuote(requestCtx, providerID, consumerID, quotedPrice, request.ScheduledAt)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": newBookingPayload(quoted)})
}

func (handler *httpHandler) handleGetBooking(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyEither)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking": newBookingPayload(current)})
}

func (handler *httpHandler) handleAcceptQuote(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyConsumer)
	if !ok {
		return
	}
	var request acceptQuoteRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	acceptedPrice, ok := handler.parseMoney(ctx, request.AcceptedPrice)
	if !ok {
		return
	}
	plan, err := booking.ParsePaymentPlan(request.Plan)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	accepted, err := handler.services.Bookings.AcceptQuote(requestCtx, current.ID, acceptedPrice, plan)
	handler.respondBooking(ctx, accepted, err)
}

func (handler *httpHandler) handleListPayments(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyEither)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	payments, err := handler.services.Bookings.ListPayments(requestCtx, current.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payments": newPaymentPayloads(current, payments)})
}

// handleRecordPayment credits a payment reconciled outside the gateway callback.
func (handler *httpHandler) handleRecordPayment(ctx *gin.Context) {
	if _, ok := requireAdmin(ctx); !ok {
		return
	}
	bookingID, ok := handler.bookingIDParam(ctx)
	if !ok {
		return
	}
	var request recordPaymentRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	amount, ok := handler.parseMoney(ctx, request.Amount)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	updated, err := handler.services.Bookings.RecordPayment(requestCtx, bookingID, amount, request.ExternalRef)
	handler.respondBooking(ctx, updated, err)
}

func (handler *httpHandler) handleInitiatePayment(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyConsumer)
	if !ok {
		return
	}
	var request initiatePaymentRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	amount, ok := handler.parseMoney(ctx, request.Amount)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	intent, err := handler.services.Bookings.InitiatePayment(requestCtx, current.ID, mpesa.NormalizePhone(request.Phone), amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"intent": newIntentPayload(intent, current.Currency)})
}

func (handler *httpHandler) handleStartExecution(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyProvider)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	started, err := handler.services.Bookings.StartExecution(requestCtx, current.ID)
	handler.respondBooking(ctx, started, err)
}

func (handler *httpHandler) handleCompleteExecution(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyProvider)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	completed, err := handler.services.Bookings.CompleteExecution(requestCtx, current.ID)
	handler.respondBooking(ctx, completed, err)
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyEither)
	if !ok {
		return
	}
	var request reasonRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	cancelled, err := handler.services.Bookings.Cancel(requestCtx, current.ID, request.Reason)
	handler.respondBooking(ctx, cancelled, err)
}

func (handler *httpHandler) handleOpenDispute(ctx *gin.Context) {
	current, ok := handler.authorizeBooking(ctx, partyEither)
	if !ok {
		return
	}
	var request reasonRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	disputed, err := handler.services.Bookings.OpenDispute(requestCtx, current.ID, request.Reason)
	handler.respondBooking(ctx, disputed, err)
}

func (handler *httpHandler) handleResolveDispute(ctx *gin.Context) {
	if _, ok := requireAdmin(ctx); !ok {
		return
	}
	bookingID, ok := handler.bookingIDParam(ctx)
	if !ok {
		return
	}
	var request resolveDisputeRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	resolved, err := handler.services.Bookings.ResolveDispute(requestCtx, bookingID, request.Resolution, request.Restore)
	handler.respondBooking(ctx, resolved, err)
}

// handleMpesaCallback applies an asynchronous STK result. A non-2xx answer makes the gateway redeliver.
func (handler *httpHandler) handleMpesaCallback(ctx *gin.Context) {
	if !handler.callbackAuthorized(ctx) {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid callback token"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxCallbackBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	result, err := mpesa.ParseCallback(body, handler.cfg.Currency)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	updated, err := handler.services.Bookings.HandlePaymentResult(requestCtx, result)
	if err != nil {
		handler.logger.Warn("payment callback rejected",
			zap.String("checkout_ref", result.CheckoutRef),
			zap.Error(err))
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
		"booking_id": updated.ID.String(),
		"status":     updated.Status.String(),
	})
}

func (handler *httpHandler) respondBooking(ctx *gin.Context, updated booking.Booking, err error) {
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking": newBookingPayload(updated)})
}

func (handler *httpHandler) bookingIDParam(ctx *gin.Context) (booking.BookingID, bool) {
	bookingID, err := booking.NewBookingID(ctx.Param("bookingID"))
	if err != nil {
		handler.respondError(ctx, err)
		return booking.BookingID{}, false
	}
	return bookingID, true
}

// authorizeBooking loads the booking named in the path and checks the session user is one of allowed.
func (handler *httpHandler) authorizeBooking(ctx *gin.Context, allowed party) (booking.Booking, bool) {
	userID, _, ok := requireUser(ctx)
	if !ok {
		return booking.Booking{}, false
	}
	bookingID, ok := handler.bookingIDParam(ctx)
	if !ok {
		return booking.Booking{}, false
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	current, err := handler.services.Bookings.GetBooking(requestCtx, bookingID)
	if err != nil {
		handler.respondError(ctx, err)
		return booking.Booking{}, false
	}
	var actual party
	if current.ConsumerID == userID {
		actual |= partyConsumer
	}
	if current.ProviderID.String() == userID.String() {
		actual |= partyProvider
	}
	if actual&allowed == 0 {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "not a party to this booking"))
		return booking.Booking{}, false
	}
	return current, true
}

// callbackAuthorized checks the shared callback token when one is configured.
func (handler *httpHandler) callbackAuthorized(ctx *gin.Context) bool {
	expected := handler.cfg.CallbackToken
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(ctx.Query("token")), []byte(expected)) == 1
}
