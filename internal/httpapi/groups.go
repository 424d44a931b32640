package httpapi

import (
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/MarkoPoloResearchLab/mtaa/pkg/sambaza"
	"github.com/gin-gonic/gin"
)

func (handler *httpHandler) handleCreateGroup(ctx *gin.Context) {
	organizerID, _, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request createGroupRequest
	if !handler.bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	group, err := handler.services.Groups.Create(requestCtx, sambaza.CreateRequest{
		OrganizerID:     organizerID,
		Title:           request.Title,
		ServiceCategory: request.ServiceCategory,
		Suburb:          request.Suburb,
		TargetCount:     request.TargetCount,
		Duration:        time.Duration(request.DurationHours) * time.Hour,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"group": newGroupPayload(group)})
}

func (handler *httpHandler) handleListGroups(ctx *gin.Context) {
	if _, _, ok := requireUser(ctx); !ok {
		return
	}
	var status *sambaza.Status
	if raw := ctx.Query("status"); raw != "" {
		parsed, err := sambaza.ParseStatus(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		status = &parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	groups, err := handler.services.Groups.List(requestCtx, status)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]groupPayload, 0, len(groups))
	for _, group := range groups {
		payloads = append(payloads, newGroupPayload(group))
	}
	ctx.JSON(http.StatusOK, gin.H{"groups": payloads})
}

func (handler *httpHandler) handleGetGroup(ctx *gin.Context) {
	group, ok := handler.loadGroup(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"group": newGroupPayload(group)})
}

// handleQuoteGroup prices a service at the group's current discount tier.
func (handler *httpHandler) handleQuoteGroup(ctx *gin.Context) {
	group, ok := handler.loadGroup(ctx)
	if !ok {
		return
	}
	price, ok := handler.parseMoney(ctx, ctx.Query("price"))
	if !ok {
		return
	}
	discount := group.Discount(price)
	ctx.JSON(http.StatusOK, gin.H{
		"group_id":         group.ID.String(),
		"discount_tier":    group.DiscountTier.String(),
		"price":            price,
		"discount":         discount,
		"discounted_price": ledger.NewMoney(price.Amount-discount.Amount, price.Currency),
	})
}

func (handler *httpHandler) handleJoinGroup(ctx *gin.Context) {
	userID, _, ok := requireUser(ctx)
	if !ok {
		return
	}
	groupID, ok := handler.groupIDParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	group, err := handler.services.Groups.Join(requestCtx, groupID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"group": newGroupPayload(group)})
}

// handleCloseGroup is open to the organizer and admins.
func (handler *httpHandler) handleCloseGroup(ctx *gin.Context) {
	userID, claims, ok := requireUser(ctx)
	if !ok {
		return
	}
	current, ok := handler.loadGroup(ctx)
	if !ok {
		return
	}
	if current.OrganizerID != userID && !hasRole(claims.GetUserRoles(), roleAdmin) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "only the organizer may close the group"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	group, err := handler.services.Groups.Close(requestCtx, current.ID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"group": newGroupPayload(group)})
}

func (handler *httpHandler) groupIDParam(ctx *gin.Context) (sambaza.GroupID, bool) {
	groupID, err := sambaza.NewGroupID(ctx.Param("groupID"))
	if err != nil {
		handler.respondError(ctx, err)
		return sambaza.GroupID{}, false
	}
	return groupID, true
}

func (handler *httpHandler) loadGroup(ctx *gin.Context) (sambaza.Group, bool) {
	if _, _, ok := requireUser(ctx); !ok {
		return sambaza.Group{}, false
	}
	groupID, ok := handler.groupIDParam(ctx)
	if !ok {
		return sambaza.Group{}, false
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	group, err := handler.services.Groups.Get(requestCtx, groupID)
	if err != nil {
		handler.respondError(ctx, err)
		return sambaza.Group{}, false
	}
	return group, true
}
