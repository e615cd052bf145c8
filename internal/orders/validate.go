package orders

import (
	"context"
	"fmt"
	"log"
	"time"

	"chainfeed/internal/catalog"
	"chainfeed/internal/model"
	"chainfeed/internal/pricestore"
)

// Reason codes for rejected intents. Always surfaced, never defaulted.
type Reason string

const (
	ReasonInsufficientMargin Reason = "INSUFFICIENT_MARGIN"
	ReasonIncompleteBracket  Reason = "INCOMPLETE_BRACKET"
	ReasonUnknownBasket      Reason = "UNKNOWN_BASKET"
	ReasonUnknownInstrument  Reason = "UNKNOWN_INSTRUMENT"
	ReasonBadQuantity        Reason = "BAD_QUANTITY"
	ReasonMissingLimitPrice  Reason = "MISSING_LIMIT_PRICE"
	ReasonPriceUnavailable   Reason = "PRICE_UNAVAILABLE"
	ReasonMarginQuoteFailed  Reason = "MARGIN_QUOTE_FAILED"
	ReasonEmptyIntent        Reason = "EMPTY_INTENT"
)

// Decision is the validation outcome handed to the order-placement
// collaborator. Margin figures are attached on margin rejections so the
// caller can show required vs available.
type Decision struct {
	Accepted  bool   `json:"accepted"`
	Reason    Reason `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Required  int64  `json:"required_margin,omitempty"`  // paise
	Available int64  `json:"available_margin,omitempty"` // paise
}

func rejected(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validator checks order intents. It reads the Price Store and the catalog
// but mutates neither; its only state is the basket registry.
type Validator struct {
	cat     *catalog.Catalog
	store   *pricestore.Store
	margin  MarginClient
	Baskets *BasketRegistry

	// QuoteTimeout bounds the margin collaborator call. On expiry the
	// intent is rejected, never optimistically accepted.
	QuoteTimeout time.Duration
}

// NewValidator creates a validator.
func NewValidator(cat *catalog.Catalog, store *pricestore.Store, margin MarginClient) *Validator {
	return &Validator{
		cat:          cat,
		store:        store,
		margin:       margin,
		Baskets:      NewBasketRegistry(),
		QuoteTimeout: defaultQuoteTimeout,
	}
}

// QuoteMargin prices every leg and runs one batched margin calculation for
// the whole intent, plus the available-margin lookup.
func (v *Validator) QuoteMargin(ctx context.Context, intent model.OrderIntent) (Quote, error) {
	legs, dec := v.resolveLegs(intent)
	if dec != nil {
		return Quote{}, fmt.Errorf("orders: %s: %s", dec.Reason, dec.Detail)
	}

	qctx, cancel := context.WithTimeout(ctx, v.QuoteTimeout)
	defer cancel()

	required, err := v.margin.QuoteMargin(qctx, legs)
	if err != nil {
		return Quote{}, err
	}
	available, err := v.margin.AvailableMargin(qctx)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Required: required, Available: available}, nil
}

// Validate accepts or rejects an intent. On acceptance the basket reference
// (if any) is applied to the registry; the order itself is not placed here.
func (v *Validator) Validate(ctx context.Context, intent model.OrderIntent) Decision {
	if len(intent.Legs) == 0 {
		return rejected(ReasonEmptyIntent, "order intent has no legs")
	}

	if intent.Bracket != nil {
		if intent.Bracket.TargetPrice <= 0 || intent.Bracket.StopLossPrice <= 0 {
			return rejected(ReasonIncompleteBracket,
				"bracket order requires both target and stop-loss prices (target=%d stoploss=%d)",
				intent.Bracket.TargetPrice, intent.Bracket.StopLossPrice)
		}
	}

	if intent.Basket != nil && intent.Basket.Append && !v.Baskets.Exists(intent.Basket.Name) {
		return rejected(ReasonUnknownBasket, "basket %q does not exist", intent.Basket.Name)
	}

	legs, dec := v.resolveLegs(intent)
	if dec != nil {
		return *dec
	}

	qctx, cancel := context.WithTimeout(ctx, v.QuoteTimeout)
	defer cancel()

	required, err := v.margin.QuoteMargin(qctx, legs)
	if err != nil {
		// Unknown margin is treated as insufficient, not as sufficient.
		log.Printf("[orders] margin quote failed, rejecting: %v", err)
		return rejected(ReasonMarginQuoteFailed, "margin quote unavailable: %v", err)
	}
	available, err := v.margin.AvailableMargin(qctx)
	if err != nil {
		log.Printf("[orders] available-margin lookup failed, rejecting: %v", err)
		return rejected(ReasonMarginQuoteFailed, "available margin unavailable: %v", err)
	}

	if required > available {
		d := rejected(ReasonInsufficientMargin,
			"required margin %d exceeds available %d", required, available)
		d.Required = required
		d.Available = available
		return d
	}

	if intent.Basket != nil {
		if intent.Basket.Append {
			if err := v.Baskets.Append(intent.Basket.Name, intent.Legs); err != nil {
				return rejected(ReasonUnknownBasket, "%v", err)
			}
		} else if err := v.Baskets.Create(intent.Basket.Name, intent.Legs); err != nil {
			// Creating over an existing name degrades to append.
			if aerr := v.Baskets.Append(intent.Basket.Name, intent.Legs); aerr != nil {
				return rejected(ReasonUnknownBasket, "%v", aerr)
			}
		}
	}

	return Decision{Accepted: true, Required: required, Available: available}
}

// resolveLegs turns intent legs into priced margin legs: quantity is
// lots × lot size, price is the limit price or, for market orders, the
// instrument's current usable price.
func (v *Validator) resolveLegs(intent model.OrderIntent) ([]MarginLeg, *Decision) {
	product := intent.Product
	if product == "" {
		product = "INTRADAY"
	}

	legs := make([]MarginLeg, 0, len(intent.Legs))
	for _, leg := range intent.Legs {
		ins, ok := v.cat.ByToken(leg.Token)
		if !ok {
			d := rejected(ReasonUnknownInstrument, "token %s not in catalog", leg.Token)
			return nil, &d
		}
		if leg.Lots <= 0 {
			d := rejected(ReasonBadQuantity, "leg %s has non-positive lot count %d", leg.Token, leg.Lots)
			return nil, &d
		}

		price := leg.LimitPrice
		switch leg.Style {
		case model.Limit:
			if price <= 0 {
				d := rejected(ReasonMissingLimitPrice, "limit leg %s has no limit price", leg.Token)
				return nil, &d
			}
		case model.Market:
			rec, err := v.store.UsablePrice(leg.Token)
			if err != nil {
				d := rejected(ReasonPriceUnavailable, "no usable price for market leg %s: %v", leg.Token, err)
				return nil, &d
			}
			price = rec.LTP
		default:
			d := rejected(ReasonBadQuantity, "leg %s has unknown order style %q", leg.Token, leg.Style)
			return nil, &d
		}

		legs = append(legs, MarginLeg{
			Exchange:  ins.Exchange,
			Product:   product,
			TradeType: string(leg.Side),
			Token:     leg.Token,
			Qty:       leg.Lots * ins.LotSize,
			Price:     price,
		})
	}
	return legs, nil
}
