// ABOUTME: JSON views of catalog, payment, account and statistics records
// ABOUTME: Conversation and message views live in the relay package

package api

import (
	"time"

	"github.com/2389/agentchat/internal/store"
)

type packView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	MessageCount int    `json:"messageCount"`
	Price        int64  `json:"price"`
	Currency     string `json:"currency"`
	ValidityDays int    `json:"validityDays,omitempty"`
	Active       bool   `json:"active"`
	DisplayOrder int    `json:"displayOrder"`
}

func newPackView(p *store.MessagePack) packView {
	return packView{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		MessageCount: p.MessageCount,
		Price:        p.Price,
		Currency:     p.Currency,
		ValidityDays: p.ValidityDays,
		Active:       p.Active,
		DisplayOrder: p.DisplayOrder,
	}
}

type paymentView struct {
	OrderID       string              `json:"orderId"`
	PaymentID     string              `json:"paymentId,omitempty"`
	AgentID       string              `json:"agentId"`
	MessagePackID string              `json:"messagePackId"`
	Quantity      int                 `json:"quantity"`
	Amount        int64               `json:"amount"`
	Currency      string              `json:"currency"`
	Status        store.PaymentStatus `json:"status"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

func newPaymentView(p *store.Payment) paymentView {
	return paymentView{
		OrderID:       p.OrderID,
		PaymentID:     p.PaymentID,
		AgentID:       p.AgentID,
		MessagePackID: p.MessagePackID,
		Quantity:      p.Quantity,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type messageStatsView struct {
	AgentID       string `json:"agentId"`
	Conversations int    `json:"conversations"`
	UserMessages  int    `json:"userMessages"`
	AgentMessages int    `json:"agentMessages"`
	Unread        int    `json:"unread"`
	TotalTokens   int    `json:"totalTokens"`
}

type userView struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Name         string         `json:"name,omitempty"`
	Role         store.Role     `json:"role"`
	ProfileImage string         `json:"profileImage,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func newUserView(u *store.User) userView {
	return userView{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		Role:         u.Role,
		ProfileImage: u.ProfileImage,
		Settings:     u.Settings,
		CreatedAt:    u.CreatedAt,
	}
}

type notificationView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

func newNotificationView(n *store.Notification) notificationView {
	return notificationView{
		ID:        n.ID,
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}
