// Package contact builds the messaging-app handoff a customer uses to send
// a purchase request to the shop admin.
package contact

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jogardn/storefront/internal/apperr"
	"github.com/jogardn/storefront/pkg/models"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const whatsAppBase = "https://wa.me/"

var printer = message.NewPrinter(language.English)

// Inquiry is what a customer fills in before contacting the shop.
type Inquiry struct {
	CustomerName  string         `json:"customer_name"`
	CustomerPhone string         `json:"customer_phone"`
	Size          string         `json:"size"`
	Color         string         `json:"color"`
	Product       models.Product `json:"-"`
}

// FormatPrice renders a price with thousands separators, e.g. ₩1,250,000.
func FormatPrice(price int64) string {
	return printer.Sprintf("₩%d", price)
}

// InquiryMessage is the text pre-filled into the chat.
func InquiryMessage(businessName string, in Inquiry) string {
	if strings.TrimSpace(businessName) == "" {
		businessName = models.DefaultBusinessName
	}

	lines := []string{
		fmt.Sprintf("[%s Purchase Request]", businessName),
		"Customer: " + strings.TrimSpace(in.CustomerName),
		"Phone: " + strings.TrimSpace(in.CustomerPhone),
		"Product: " + in.Product.Name,
		"Brand: " + in.Product.Brand,
		"Size: " + in.Size,
		"Color: " + in.Color,
		"Price: " + FormatPrice(in.Product.Price),
	}
	return strings.Join(lines, "\n")
}

// WhatsAppLink strips everything but digits from phone and returns a deep
// link that opens a chat with msg pre-filled.
func WhatsAppLink(phone, msg string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return "", apperr.Validation("admin_phone", "must contain digits")
	}

	// Chat apps expect %20 rather than '+' for spaces.
	text := strings.ReplaceAll(url.QueryEscape(msg), "+", "%20")
	return whatsAppBase + digits + "?text=" + text, nil
}
