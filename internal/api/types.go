package api

import (
	"time"

	"github.com/google/uuid"
)

type CreateBookingRequest struct {
	AccountID string `json:"account_id"`
}

type PatientPayload struct {
	Name   string `json:"name"`
	DOB    string `json:"dob"` // YYYY-MM-DD
	Phone  string `json:"phone"`
	Gender string `json:"gender"`
}

type AddDetailRequest struct {
	ServiceID string         `json:"service_id"`
	Date      string         `json:"date"` // YYYY-MM-DD
	Shift     string         `json:"shift"`
	Patient   PatientPayload `json:"patient"`
}

type SetDetailStatusRequest struct {
	Status string `json:"status"`
}

type PaymentCallbackRequest struct {
	BookingID     string `json:"booking_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Success       bool   `json:"success"`
}

type GenerateSlotsRequest struct {
	ServiceID   string `json:"service_id"`
	Weeks       int    `json:"weeks"`
	MaxQuantity int    `json:"max_quantity"`
}

type BookingResponse struct {
	ID        uuid.UUID        `json:"id"`
	AccountID uuid.UUID        `json:"account_id"`
	Status    string           `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	Details   []DetailResponse `json:"details,omitempty"`
}

type DetailResponse struct {
	ID          uuid.UUID  `json:"id"`
	BookingID   uuid.UUID  `json:"booking_id"`
	ServiceID   uuid.UUID  `json:"service_id"`
	SlotID      *uuid.UUID `json:"slot_id,omitempty"`
	PatientName string     `json:"patient_name"`
	Status      string     `json:"status"`
	Price       int64      `json:"price"`
}

type SlotResponse struct {
	ID              uuid.UUID `json:"id"`
	ServiceID       uuid.UUID `json:"service_id"`
	Date            string    `json:"date"`
	Shift           string    `json:"shift"`
	MaxQuantity     int       `json:"max_quantity"`
	CurrentQuantity int       `json:"current_quantity"`
	Remaining       int       `json:"remaining"`
}

type GenerateSlotsResponse struct {
	Created int `json:"created"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
