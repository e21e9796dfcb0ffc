// Package validation holds the structural checks shared by the matching
// engine and the settlement service. Every function is pure.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xtrntr/clearinghouse/internal/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "mapstructure"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return ""
	})
	return v
}

// Struct runs the tag rules on any struct, e.g. the service config.
func Struct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return describe(err)
	}
	return nil
}

// Order checks price > 0, quantity > 0 and non-empty ids.
func Order(o models.Order) error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidOrder, describe(err))
	}
	if _, ok := o.Value(); !ok {
		return fmt.Errorf("%w: value overflows", models.ErrInvalidOrder)
	}
	return nil
}

// TradeRequest checks each order and the invariants tying the settlement to
// the matched pair.
func TradeRequest(r models.TradeRequest) error {
	for _, part := range []struct {
		name  string
		order models.Order
	}{
		{"ask", r.Ask},
		{"bid", r.Bid},
		{"settlement", r.Settlement},
	} {
		if err := Order(part.order); err != nil {
			return fmt.Errorf("%w: %s: %v", models.ErrInvalidTrade, part.name, err)
		}
	}

	switch {
	case r.Bid.Price < r.Ask.Price:
		return fmt.Errorf("%w: bid price %d below ask price %d", models.ErrInvalidTrade, r.Bid.Price, r.Ask.Price)
	case r.Bid.Quantity > r.Ask.Quantity:
		return fmt.Errorf("%w: bid quantity %d exceeds ask quantity %d", models.ErrInvalidTrade, r.Bid.Quantity, r.Ask.Quantity)
	case r.Settlement.Quantity != r.Bid.Quantity:
		return fmt.Errorf("%w: settlement quantity %d does not match bid quantity %d", models.ErrInvalidTrade, r.Settlement.Quantity, r.Bid.Quantity)
	case r.Settlement.Price != r.Bid.Price:
		return fmt.Errorf("%w: settlement price %d does not match bid price %d", models.ErrInvalidTrade, r.Settlement.Price, r.Bid.Price)
	}
	return nil
}

// Account checks identity fields.
func Account(a models.Account) error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidAccount, describe(err))
	}
	return nil
}

// describe flattens validator field errors into one readable line
func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}
