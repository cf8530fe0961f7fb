package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medisched/clinic-booking/internal/booking"
)

const dateLayout = "2006-01-02"

func createBookingHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		accountID, err := uuid.Parse(req.AccountID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_account_id", "account_id must be a valid UUID")
			return
		}

		b, err := ledger.CreateBooking(r.Context(), accountID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toBookingResponse(b, nil))
	}
}

func getBookingHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		b, err := ledger.GetBooking(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		details, err := ledger.ListDetails(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBookingResponse(b, details))
	}
}

func cancelBookingHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		if err := ledger.CancelBooking(r.Context(), id); err != nil {
			handleBookingError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func addDetailHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookingID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		var req AddDetailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		serviceID, err := uuid.Parse(req.ServiceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
			return
		}

		date, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		patient := booking.PatientInfo{
			Name:   req.Patient.Name,
			Phone:  req.Patient.Phone,
			Gender: req.Patient.Gender,
		}
		if req.Patient.DOB != "" {
			dob, err := time.Parse(dateLayout, req.Patient.DOB)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_dob", "patient.dob must be YYYY-MM-DD")
				return
			}
			patient.DOB = dob
		}

		key := booking.SlotKey{
			ServiceID: serviceID,
			Date:      date,
			Shift:     booking.Shift(req.Shift),
		}

		detail, err := ledger.AddDetail(r.Context(), bookingID, key, patient)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toDetailResponse(detail))
	}
}

func removeDetailHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_detail_id", "id must be a valid UUID")
			return
		}

		if err := ledger.RemoveDetail(r.Context(), id); err != nil {
			handleBookingError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func setDetailStatusHandler(ledger *booking.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_detail_id", "id must be a valid UUID")
			return
		}

		var req SetDetailStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		detail, err := ledger.SetDetailStatus(r.Context(), id, booking.DetailStatus(req.Status))
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toDetailResponse(detail))
	}
}

func paymentCallbackHandler(reconciler *booking.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PaymentCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		bookingID, err := uuid.Parse(req.BookingID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "booking_id must be a valid UUID")
			return
		}
		if req.TransactionID == "" {
			writeError(w, http.StatusBadRequest, "missing_transaction_id", "transaction_id is required")
			return
		}

		outcome := booking.GatewayOutcome{
			BookingID:     bookingID,
			TransactionID: req.TransactionID,
			Amount:        req.Amount,
			Success:       req.Success,
		}

		if err := reconciler.Reconcile(r.Context(), outcome); err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func generateSlotsHandler(slots *booking.SlotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateSlotsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		serviceID, err := uuid.Parse(req.ServiceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_service_id", "service_id must be a valid UUID")
			return
		}
		if req.Weeks <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_weeks", "weeks must be positive")
			return
		}

		created, err := slots.GenerateForUpcomingWeeks(r.Context(), serviceID, req.Weeks, req.MaxQuantity)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, GenerateSlotsResponse{Created: created})
	}
}

func getSlotHandler(slots *booking.SlotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be a valid UUID")
			return
		}

		slot, err := slots.Get(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotResponse(slot))
	}
}

func deleteSlotHandler(slots *booking.SlotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be a valid UUID")
			return
		}

		if err := slots.Delete(r.Context(), id); err != nil {
			handleBookingError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrAccountNotFound),
		errors.Is(err, booking.ErrServiceNotFound),
		errors.Is(err, booking.ErrSlotNotFound),
		errors.Is(err, booking.ErrBookingNotFound),
		errors.Is(err, booking.ErrDetailNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, booking.ErrCapacityExhausted):
		writeError(w, http.StatusConflict, "no_seats_left", "the selected slot has no remaining capacity")
	case errors.Is(err, booking.ErrSlotInUse):
		writeError(w, http.StatusConflict, "slot_in_use", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrBookingNotOpen),
		errors.Is(err, booking.ErrBookingNotPayable):
		writeError(w, http.StatusConflict, "booking_not_open", err.Error())
	case errors.Is(err, booking.ErrInvalidShift):
		writeError(w, http.StatusBadRequest, "invalid_shift", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func toBookingResponse(b *booking.Booking, details []booking.BookingDetail) BookingResponse {
	resp := BookingResponse{
		ID:        b.ID,
		AccountID: b.AccountID,
		Status:    string(b.Status),
		CreatedAt: b.CreatedAt,
	}
	for i := range details {
		resp.Details = append(resp.Details, toDetailResponse(&details[i]))
	}
	return resp
}

func toDetailResponse(d *booking.BookingDetail) DetailResponse {
	return DetailResponse{
		ID:          d.ID,
		BookingID:   d.BookingID,
		ServiceID:   d.ServiceID,
		SlotID:      d.SlotID,
		PatientName: d.Patient.Name,
		Status:      string(d.Status),
		Price:       d.Price,
	}
}

func toSlotResponse(s *booking.Slot) SlotResponse {
	return SlotResponse{
		ID:              s.ID,
		ServiceID:       s.ServiceID,
		Date:            s.Date.Format(dateLayout),
		Shift:           string(s.Shift),
		MaxQuantity:     s.MaxQuantity,
		CurrentQuantity: s.CurrentQuantity,
		Remaining:       s.Remaining(),
	}
}
