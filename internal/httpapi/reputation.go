package httpapi

import (
	"net/http"

	"github.com/MarkoPoloResearchLab/mtaa/internal/reputation"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/gin-gonic/gin"
)

func (handler *httpHandler) handleSubmitReview(ctx *gin.Context) {
	reviewerID, _, ok := requireUser(ctx)
	if !ok {
		return
	}
	bookingID, ok := handler.bookingIDParam(ctx)
	if !ok {
		return
	}
	var request reviewRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	review, provider, err := handler.services.Reputation.SubmitReview(requestCtx, reputation.ReviewRequest{
		BookingID:  bookingID,
		ReviewerID: reviewerID,
		Rating:     request.Rating,
		Comment:    request.Comment,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"review":   newReviewPayload(review),
		"provider": newProviderPayload(provider),
	})
}

func (handler *httpHandler) handleGetProvider(ctx *gin.Context) {
	providerID, ok := handler.providerIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	provider, err := handler.services.Reputation.GetProvider(requestCtx, providerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"provider": newProviderPayload(provider)})
}

func (handler *httpHandler) handleListReviews(ctx *gin.Context) {
	providerID, ok := handler.providerIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	reviews, err := handler.services.Reputation.ListReviews(requestCtx, providerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]reviewPayload, 0, len(reviews))
	for _, review := range reviews {
		payloads = append(payloads, newReviewPayload(review))
	}
	ctx.JSON(http.StatusOK, gin.H{"reviews": payloads})
}

func (handler *httpHandler) handleUpdateResponseScore(ctx *gin.Context) {
	if _, ok := requireAdmin(ctx); !ok {
		return
	}
	providerID, ok := handler.providerIDParam(ctx)
	if !ok {
		return
	}
	var request responseScoreRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	provider, err := handler.services.Reputation.UpdateResponseScore(requestCtx, providerID, *request.Score)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"provider": newProviderPayload(provider)})
}

func (handler *httpHandler) providerIDParam(ctx *gin.Context) (ledger.ProviderID, bool) {
	if _, _, ok := requireUser(ctx); !ok {
		return ledger.ProviderID{}, false
	}
	providerID, err := ledger.NewProviderID(ctx.Param("providerID"))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.ProviderID{}, false
	}
	return providerID, true
}
