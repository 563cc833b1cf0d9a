package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-escrow-bot/internal/money"
	"telegram-escrow-bot/internal/service"
)

// Deal-creation form steps. The form runs over plain text messages in
// the seller's private chat, one answer per step.
const (
	stepProductName = iota
	stepProductDescription
	stepProductPrice
	stepBuyerUsername
)

// escrowForm holds one seller's in-flight deal-creation answers.
type escrowForm struct {
	step               int
	productName        string
	productDescription string
	price              money.Amount
}

// EscrowHandler handles deal lifecycle commands, the deal-creation
// form and product delivery intake.
type EscrowHandler struct {
	escrowService   *service.EscrowService
	deliveryService *service.DeliveryService
	walletService   *service.WalletService

	mu    sync.Mutex
	forms map[int64]*escrowForm // seller id -> form state
}

// NewEscrowHandler creates a new EscrowHandler.
func NewEscrowHandler(
	escrowService *service.EscrowService,
	deliveryService *service.DeliveryService,
	walletService *service.WalletService,
) *EscrowHandler {
	return &EscrowHandler{
		escrowService:   escrowService,
		deliveryService: deliveryService,
		walletService:   walletService,
		forms:           make(map[int64]*escrowForm),
	}
}

// HandleEscrowStart handles the /escrow command and opens the form.
func (h *EscrowHandler) HandleEscrowStart(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	user, _, err := h.walletService.EnsureUser(ctx, sender.ID, sender.Username)
	if err != nil {
		return c.Reply("Something went wrong, please try again later.")
	}
	if user.IsBanned {
		return c.Reply("You are banned from using this bot.")
	}

	h.mu.Lock()
	h.forms[sender.ID] = &escrowForm{step: stepProductName}
	h.mu.Unlock()

	return c.Reply("Let's create a new escrow deal!\n\nFirst, enter the product name:")
}

// HandleCancel handles /cancel: it aborts an in-flight form first,
// then a pending delivery marker.
func (h *EscrowHandler) HandleCancel(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	h.mu.Lock()
	_, inForm := h.forms[sender.ID]
	delete(h.forms, sender.ID)
	h.mu.Unlock()

	if inForm {
		return c.Reply("Deal creation cancelled.")
	}
	if h.deliveryService.CancelAwaiting(sender.ID) {
		return c.Reply("Pending delivery cancelled. The deal stays open; use the Send Product button to retry.")
	}
	return c.Reply("Nothing to cancel.")
}

// HandleIncoming consumes free-form messages: form answers first, then
// product deliveries from sellers with an awaiting marker. Messages
// from users with neither are ignored.
func (h *EscrowHandler) HandleIncoming(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	h.mu.Lock()
	form, inForm := h.forms[sender.ID]
	h.mu.Unlock()

	if inForm && c.Text() != "" {
		return h.handleFormStep(c, form)
	}

	if _, awaiting := h.deliveryService.Awaiting(sender.ID); awaiting {
		return h.handleDelivery(c)
	}

	return nil
}

// handleFormStep advances the deal-creation form by one answer.
func (h *EscrowHandler) handleFormStep(c tele.Context, form *escrowForm) error {
	ctx := context.Background()
	sender := c.Sender()
	text := strings.TrimSpace(c.Text())

	switch form.step {
	case stepProductName:
		if text == "" {
			return c.Reply("Please enter a product name.")
		}
		form.productName = text
		form.step = stepProductDescription
		return c.Reply("Great! Now enter the product description:")

	case stepProductDescription:
		form.productDescription = text
		form.step = stepProductPrice
		return c.Reply("Enter the product price (in INR):")

	case stepProductPrice:
		price, err := money.ParsePositive(text)
		if err != nil {
			return c.Reply("Please enter a valid positive number for the price.")
		}
		form.price = price
		form.step = stepBuyerUsername
		return c.Reply("Enter the buyer's username (without @):")

	case stepBuyerUsername:
		deal, err := h.escrowService.CreateDeal(ctx, sender.ID, form.productName, form.productDescription, form.price, text)
		if err != nil {
			if errors.Is(err, service.ErrValidation) {
				return c.Reply("Please enter a valid buyer username.")
			}
			if errors.Is(err, service.ErrUserBanned) {
				h.clearForm(sender.ID)
				return c.Reply("You are banned from using this bot.")
			}
			log.Error().Int64("seller_id", sender.ID).Err(err).Msg("Deal creation failed")
			h.clearForm(sender.ID)
			return c.Reply("Something went wrong, please try again later.")
		}

		h.clearForm(sender.ID)

		return c.Reply(fmt.Sprintf(
			"Escrow deal created successfully!\n\n"+
				"Deal ID: %s\n"+
				"Please share this ID with the buyer.\n\n"+
				"Product: %s\n"+
				"Price: %s\n"+
				"Fee: %s",
			deal.ID,
			deal.ProductName,
			money.Format(deal.Price),
			money.Format(deal.Fee),
		))
	}

	return nil
}

func (h *EscrowHandler) clearForm(userID int64) {
	h.mu.Lock()
	delete(h.forms, userID)
	h.mu.Unlock()
}

// HandleFindDeal handles the /find_deal command.
// Format: /find_deal OGESC-XXXXX
func (h *EscrowHandler) HandleFindDeal(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) != 1 {
		return c.Reply(
			"Please provide the deal ID.\n" +
				"Usage: /find_deal OGESC-XXXXX\n\n" +
				"Available actions after finding a deal:\n" +
				"/approve_deal DEAL_ID - Approve the deal\n" +
				"/decline_deal DEAL_ID - Decline the deal\n" +
				"/confirm_deal DEAL_ID - Confirm receipt of product\n" +
				"/report_deal DEAL_ID - Report an issue with the deal",
		)
	}

	dealID := args[0]
	deal, err := h.escrowService.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, service.ErrDealNotFound) {
			return c.Reply("Deal not found.")
		}
		return c.Reply("Something went wrong, please try again later.")
	}

	markup := &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{{
		{Text: "✅ Approve", Data: "approve_" + dealID},
		{Text: "❌ Decline", Data: "decline_" + dealID},
	}}}

	return c.Reply(fmt.Sprintf(
		"Deal Details:\n\n"+
			"Product: %s\n"+
			"Description: %s\n"+
			"Price: %s\n"+
			"Fee: %s\n\n"+
			"You can use buttons below or commands:\n"+
			"/approve_deal %s\n"+
			"/decline_deal %s",
		deal.ProductName,
		deal.ProductDescription,
		money.Format(deal.Price),
		money.Format(deal.Fee),
		dealID,
		dealID,
	), markup)
}

// respond replies to a command or edits the message behind a callback.
func respond(c tele.Context, fromCallback bool, text string) error {
	if fromCallback {
		return c.Edit(text)
	}
	return c.Reply(text)
}

// approveDeal runs the approve transition and notifies the seller.
func (h *EscrowHandler) approveDeal(c tele.Context, dealID string, fromCallback bool) error {
	ctx := context.Background()
	sender := c.Sender()

	if _, _, err := h.walletService.EnsureUser(ctx, sender.ID, sender.Username); err != nil {
		return respond(c, fromCallback, "Something went wrong, please try again later.")
	}

	deal, err := h.escrowService.ApproveDeal(ctx, dealID, sender.ID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDealNotFound):
			return respond(c, fromCallback, "Deal not found.")
		case errors.Is(err, service.ErrInvalidState):
			return respond(c, fromCallback, "This deal is no longer pending and cannot be approved.")
		case errors.Is(err, service.ErrInsufficientFunds):
			current, lookupErr := h.escrowService.GetDeal(ctx, dealID)
			if lookupErr == nil {
				return respond(c, fromCallback, fmt.Sprintf(
					"❌ Insufficient balance. You need %s (price %s + fee %s). Please add funds to your wallet.",
					money.Format(current.TotalCost()),
					money.Format(current.Price),
					money.Format(current.Fee),
				))
			}
			return respond(c, fromCallback, "❌ Insufficient balance. Please add funds to your wallet.")
		case errors.Is(err, service.ErrUserBanned):
			return respond(c, fromCallback, "You are banned from using this bot.")
		case errors.Is(err, service.ErrStoreConflict):
			return respond(c, fromCallback, "The bot is busy, please try again.")
		default:
			log.Error().Str("deal_id", dealID).Int64("user_id", sender.ID).Err(err).Msg("Approve failed")
			return respond(c, fromCallback, "Something went wrong, please try again later.")
		}
	}

	if err := respond(c, fromCallback, fmt.Sprintf(
		"✅ Deal approved! Waiting for seller to deliver the product.\n\n"+
			"Product: %s\n"+
			"Price: %s\n"+
			"Fee: %s",
		deal.ProductName,
		money.Format(deal.Price),
		money.Format(deal.Fee),
	)); err != nil {
		return err
	}

	// Best-effort notification after the ledger mutation committed; a
	// failed send never rolls it back.
	markup := &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{{
		{Text: "📦 Send Product", Data: "send_product_" + dealID},
	}}}
	h.notify(c, deal.SellerID, fmt.Sprintf(
		"🎉 Buyer has approved the deal %s and funds have been secured.\n\n"+
			"Please send the product (text, file, or any content) in your next message.",
		dealID,
	), markup)

	return nil
}

// declineDeal runs the decline transition and notifies the seller.
func (h *EscrowHandler) declineDeal(c tele.Context, dealID string, fromCallback bool) error {
	ctx := context.Background()

	deal, err := h.escrowService.DeclineDeal(ctx, dealID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDealNotFound):
			return respond(c, fromCallback, "Deal not found.")
		case errors.Is(err, service.ErrInvalidState):
			return respond(c, fromCallback, "This deal is no longer pending and cannot be declined.")
		default:
			log.Error().Str("deal_id", dealID).Err(err).Msg("Decline failed")
			return respond(c, fromCallback, "Something went wrong, please try again later.")
		}
	}

	if err := respond(c, fromCallback, fmt.Sprintf(
		"❌ Deal declined.\n\n"+
			"Product: %s\n"+
			"Price: %s",
		deal.ProductName,
		money.Format(deal.Price),
	)); err != nil {
		return err
	}

	h.notify(c, deal.SellerID, fmt.Sprintf("Deal %s has been declined by the buyer.", dealID), nil)
	return nil
}

// confirmDeal runs the fund-release transition and notifies the seller.
func (h *EscrowHandler) confirmDeal(c tele.Context, dealID string, fromCallback bool) error {
	ctx := context.Background()
	sender := c.Sender()

	deal, err := h.escrowService.ConfirmReceipt(ctx, dealID, sender.ID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDealNotFound):
			return respond(c, fromCallback, "Deal not found.")
		case errors.Is(err, service.ErrInvalidState):
			return respond(c, fromCallback, "This deal cannot be confirmed: the product has not been delivered yet or the deal is not in progress.")
		case errors.Is(err, service.ErrStoreConflict):
			return respond(c, fromCallback, "The bot is busy, please try again.")
		default:
			log.Error().Str("deal_id", dealID).Int64("user_id", sender.ID).Err(err).Msg("Confirm failed")
			return respond(c, fromCallback, "Something went wrong, please try again later.")
		}
	}

	if err := respond(c, fromCallback, fmt.Sprintf(
		"✅ Deal %s completed successfully!\n"+
			"Product: %s\n"+
			"Amount: %s",
		dealID,
		deal.ProductName,
		money.Format(deal.Price),
	)); err != nil {
		return err
	}

	h.notify(c, deal.SellerID, fmt.Sprintf(
		"🎉 Deal %s completed! The buyer has confirmed receipt.\n"+
			"Funds (%s) have been added to your wallet.",
		dealID,
		money.Format(deal.Price),
	), nil)

	return nil
}

// reportDeal records a dispute and notifies the seller.
func (h *EscrowHandler) reportDeal(c tele.Context, dealID string, fromCallback bool) error {
	ctx := context.Background()

	deal, err := h.escrowService.ReportIssue(ctx, dealID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDealNotFound):
			return respond(c, fromCallback, "Deal not found.")
		case errors.Is(err, service.ErrInvalidState):
			return respond(c, fromCallback, "Issues can only be reported on deals where the product has been delivered.")
		default:
			log.Error().Str("deal_id", dealID).Err(err).Msg("Report failed")
			return respond(c, fromCallback, "Something went wrong, please try again later.")
		}
	}

	if err := respond(c, fromCallback, fmt.Sprintf(
		"Issue reported for deal %s.\n"+
			"Please contact the admin for support.",
		dealID,
	)); err != nil {
		return err
	}

	h.notify(c, deal.SellerID, fmt.Sprintf(
		"⚠️ The buyer has reported an issue with deal %s.\n"+
			"Please contact admin for support.",
		dealID,
	), nil)

	return nil
}

// HandleApproveDeal handles the /approve_deal command.
func (h *EscrowHandler) HandleApproveDeal(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /approve_deal DEAL_ID")
	}
	return h.approveDeal(c, args[0], false)
}

// HandleDeclineDeal handles the /decline_deal command.
func (h *EscrowHandler) HandleDeclineDeal(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /decline_deal DEAL_ID")
	}
	return h.declineDeal(c, args[0], false)
}

// HandleConfirmDeal handles the /confirm_deal command.
func (h *EscrowHandler) HandleConfirmDeal(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /confirm_deal DEAL_ID")
	}
	return h.confirmDeal(c, args[0], false)
}

// HandleReportDeal handles the /report_deal command.
func (h *EscrowHandler) HandleReportDeal(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /report_deal DEAL_ID")
	}
	return h.reportDeal(c, args[0], false)
}

// HandleCallback routes escrow inline-button callbacks.
func (h *EscrowHandler) HandleCallback(c tele.Context, data string) error {
	switch {
	case strings.HasPrefix(data, "approve_"):
		return h.approveDeal(c, strings.TrimPrefix(data, "approve_"), true)
	case strings.HasPrefix(data, "decline_"):
		return h.declineDeal(c, strings.TrimPrefix(data, "decline_"), true)
	case strings.HasPrefix(data, "confirm_"):
		return h.confirmDeal(c, strings.TrimPrefix(data, "confirm_"), true)
	case strings.HasPrefix(data, "report_"):
		return h.reportDeal(c, strings.TrimPrefix(data, "report_"), true)
	case strings.HasPrefix(data, "send_product_"):
		return h.handleSendProduct(c, strings.TrimPrefix(data, "send_product_"))
	}
	return nil
}

// handleSendProduct arms the delivery marker for the deal's seller.
func (h *EscrowHandler) handleSendProduct(c tele.Context, dealID string) error {
	ctx := context.Background()
	sender := c.Sender()

	err := h.deliveryService.MarkAwaitingDelivery(ctx, sender.ID, dealID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDealNotFound), errors.Is(err, service.ErrUnauthorized):
			return c.Edit("Invalid deal or unauthorized access.")
		case errors.Is(err, service.ErrInvalidState):
			return c.Edit("This deal is not waiting for a delivery.")
		default:
			log.Error().Str("deal_id", dealID).Int64("user_id", sender.ID).Err(err).Msg("Arming delivery failed")
			return c.Edit("Something went wrong, please try again later.")
		}
	}

	return c.Edit(
		"Please send the product (text, file, or any content) in your next message.\n" +
			"I'll forward it to the buyer once received.",
	)
}

// handleDelivery relays the seller's product message to the buyer and
// marks the deal delivered.
func (h *EscrowHandler) handleDelivery(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()

	relay := func(buyerID int64) error {
		buyer := &tele.User{ID: buyerID}
		if _, err := c.Bot().Copy(buyer, c.Message()); err != nil {
			return err
		}

		dealID, _ := h.deliveryService.Awaiting(sender.ID)
		markup := &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{{
			{Text: "✅ Confirm Receipt", Data: "confirm_" + dealID},
			{Text: "❌ Report Issue", Data: "report_" + dealID},
		}}}
		_, err := c.Bot().Send(buyer, fmt.Sprintf(
			"🎁 Product received for deal %s!\n"+
				"Please confirm if you've received the product as expected:",
			dealID,
		), markup)
		return err
	}

	deal, err := h.deliveryService.ResolveDelivery(ctx, sender.ID, relay)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoPendingDelivery):
			// Stray message; never triggers escrow side effects.
			return nil
		case errors.Is(err, service.ErrBuyerNotFound):
			current, _ := h.deliveryService.Awaiting(sender.ID)
			return c.Reply(fmt.Sprintf(
				"Error: Cannot find the buyer for deal %s.\n"+
					"Please make sure the username is correct and the buyer has started the bot.\n"+
					"Contact admin for support if needed.",
				current,
			))
		case errors.Is(err, service.ErrDeliveryFailed):
			return c.Reply(
				"Error delivering product. This might happen if:\n" +
					"1. The buyer has not started the bot\n" +
					"2. The buyer has blocked the bot\n" +
					"Please contact support for assistance.",
			)
		case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrDealNotFound):
			h.deliveryService.CancelAwaiting(sender.ID)
			return c.Reply("This deal is no longer accepting deliveries.")
		default:
			log.Error().Int64("seller_id", sender.ID).Err(err).Msg("Delivery failed")
			return c.Reply("Something went wrong, please try again later.")
		}
	}

	return c.Reply(fmt.Sprintf(
		"✅ Product for deal %s has been delivered to the buyer.\n"+
			"Waiting for buyer's confirmation.",
		deal.ID,
	))
}

// notify sends a best-effort message to another user after a ledger
// mutation committed. A failed send is logged and never rolled back.
func (h *EscrowHandler) notify(c tele.Context, userID int64, text string, markup *tele.ReplyMarkup) {
	recipient := &tele.User{ID: userID}

	var err error
	if markup != nil {
		_, err = c.Bot().Send(recipient, text, markup)
	} else {
		_, err = c.Bot().Send(recipient, text)
	}
	if err != nil {
		log.Warn().Int64("user_id", userID).Err(err).Msg("Failed to deliver notification")
	}
}
