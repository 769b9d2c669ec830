/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. They keep the domain structs free of wire
  concerns and let field names follow the front office's snake_case.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND TIME:
  Money is a decimal (string or number on input, string on output).
  Instants are RFC 3339. Calendar days are YYYY-MM-DD in the business
  time zone.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/instrument"
	"github.com/warp/booking-engine/settlement"
)

// =============================================================================
// APPOINTMENTS
// =============================================================================

type SplitDTO struct {
	Cash     decimal.Decimal `json:"cash"`
	Card     decimal.Decimal `json:"card"`
	Terminal decimal.Decimal `json:"terminal"`
}

func (s *SplitDTO) split() *domain.MethodSplit {
	if s == nil {
		return nil
	}
	return &domain.MethodSplit{Cash: s.Cash, Card: s.Card, Terminal: s.Terminal}
}

func splitDTO(s domain.MethodSplit) SplitDTO {
	return SplitDTO{Cash: s.Cash, Card: s.Card, Terminal: s.Terminal}
}

type ReceiptDTO struct {
	URL        string    `json:"url"`
	PublicID   string    `json:"public_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type AdvanceDTO struct {
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
	PaidAt  *time.Time      `json:"paid_at,omitempty"`
	Receipt *ReceiptDTO     `json:"receipt,omitempty"`
}

func (a *AdvanceDTO) input() *booking.AdvanceInput {
	if a == nil {
		return nil
	}
	in := &booking.AdvanceInput{Amount: a.Amount, Method: domain.PaymentMethod(a.Method)}
	if a.PaidAt != nil {
		in.PaidAt = *a.PaidAt
	}
	return in
}

type RemainingDTO struct {
	SplitDTO
	PaidAt time.Time `json:"paid_at"`
}

type TipsDTO struct {
	Amount  decimal.Decimal `json:"amount"`
	Methods SplitDTO        `json:"methods"`
	PaidAt  time.Time       `json:"paid_at"`
}

type DiscountDTO struct {
	Percent       decimal.Decimal `json:"percent"`
	Amount        decimal.Decimal `json:"amount"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	Reason        string          `json:"reason,omitempty"`
}

type FeedbackDTO struct {
	Response    string    `json:"response"`
	Rating      int       `json:"rating"`
	SubmittedAt time.Time `json:"submitted_at"`
	SubmittedBy string    `json:"submitted_by"`
}

// AppointmentDTO represents an appointment in API responses.
type AppointmentDTO struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	StaffID     string          `json:"staff_id"`
	BranchID    string          `json:"branch_id"`
	ServiceID   string          `json:"service_id"`
	Duration    int             `json:"duration"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status"`
	Advance     *AdvanceDTO     `json:"advance_payment,omitempty"`
	Remaining   *RemainingDTO   `json:"remaining_payment,omitempty"`
	PaymentType string          `json:"payment_type,omitempty"`
	GiftCard    string          `json:"gift_card,omitempty"`
	PackageID   string          `json:"package_id,omitempty"`
	Tips        *TipsDTO        `json:"tips,omitempty"`
	Discount    *DiscountDTO    `json:"discount,omitempty"`
	Feedback    *FeedbackDTO    `json:"feedback,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	FullyPaid   bool            `json:"fully_paid"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int             `json:"version"`
}

func toAppointmentDTO(a *domain.Appointment) AppointmentDTO {
	dto := AppointmentDTO{
		ID:          string(a.ID),
		CustomerID:  string(a.CustomerID),
		StaffID:     string(a.StaffID),
		BranchID:    string(a.BranchID),
		ServiceID:   string(a.ServiceID),
		Duration:    a.Duration,
		StartTime:   a.Start,
		EndTime:     a.End,
		Price:       a.Price,
		Status:      string(a.Status),
		PaymentType: string(a.PaymentType),
		GiftCard:    a.GiftCard,
		PackageID:   string(a.PackageID),
		Notes:       a.Notes,
		FullyPaid:   a.IsFullyPaid(),
		CreatedBy:   string(a.CreatedBy),
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
		Version:     a.Version,
	}
	if a.Advance != nil {
		paid := a.Advance.PaidAt
		dto.Advance = &AdvanceDTO{Amount: a.Advance.Amount, Method: string(a.Advance.Method), PaidAt: &paid}
		if r := a.Advance.Receipt; r != nil {
			dto.Advance.Receipt = &ReceiptDTO{URL: r.URL, PublicID: r.PublicID, UploadedAt: r.UploadedAt}
		}
	}
	if a.Remaining != nil {
		dto.Remaining = &RemainingDTO{SplitDTO: splitDTO(a.Remaining.MethodSplit), PaidAt: a.Remaining.PaidAt}
	}
	if a.Tips != nil {
		dto.Tips = &TipsDTO{Amount: a.Tips.Amount, Methods: splitDTO(a.Tips.Methods), PaidAt: a.Tips.PaidAt}
	}
	if d := a.Discount; d != nil {
		dto.Discount = &DiscountDTO{Percent: d.Percent, Amount: d.Amount, OriginalPrice: d.OriginalPrice, Reason: d.Reason}
	}
	if f := a.Feedback; f != nil {
		dto.Feedback = &FeedbackDTO{Response: f.Response, Rating: f.Rating, SubmittedAt: f.SubmittedAt, SubmittedBy: string(f.SubmittedBy)}
	}
	return dto
}

func toAppointmentDTOs(list []domain.Appointment) []AppointmentDTO {
	out := make([]AppointmentDTO, len(list))
	for i := range list {
		out[i] = toAppointmentDTO(&list[i])
	}
	return out
}

type CreateAppointmentRequest struct {
	CustomerID string          `json:"customer_id"`
	StaffID    string          `json:"staff_id"`
	BranchID   string          `json:"branch_id"`
	ServiceID  string          `json:"service_id"`
	Duration   int             `json:"duration"`
	Price      decimal.Decimal `json:"price"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	Advance    *AdvanceDTO     `json:"advance_payment,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

func (r CreateAppointmentRequest) input() booking.CreateInput {
	in := booking.CreateInput{
		CustomerID: domain.CustomerID(r.CustomerID),
		StaffID:    domain.StaffID(r.StaffID),
		BranchID:   domain.BranchID(r.BranchID),
		ServiceID:  domain.ServiceID(r.ServiceID),
		Duration:   r.Duration,
		Price:      r.Price,
		Start:      r.StartTime,
		Advance:    r.Advance.input(),
		Notes:      r.Notes,
	}
	if r.EndTime != nil {
		in.End = *r.EndTime
	}
	return in
}

// RescheduleRequest carries only the fields being changed.
type RescheduleRequest struct {
	CustomerID *string          `json:"customer_id,omitempty"`
	StaffID    *string          `json:"staff_id,omitempty"`
	BranchID   *string          `json:"branch_id,omitempty"`
	ServiceID  *string          `json:"service_id,omitempty"`
	Duration   *int             `json:"duration,omitempty"`
	StartTime  *time.Time       `json:"start_time,omitempty"`
	EndTime    *time.Time       `json:"end_time,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Advance    *AdvanceDTO      `json:"advance_payment,omitempty"`
	Notes      *string          `json:"notes,omitempty"`
}

func (r RescheduleRequest) patch() booking.Patch {
	p := booking.Patch{
		Duration: r.Duration,
		Start:    r.StartTime,
		End:      r.EndTime,
		Price:    r.Price,
		Advance:  r.Advance.input(),
		Notes:    r.Notes,
	}
	if r.CustomerID != nil {
		v := domain.CustomerID(*r.CustomerID)
		p.CustomerID = &v
	}
	if r.StaffID != nil {
		v := domain.StaffID(*r.StaffID)
		p.StaffID = &v
	}
	if r.BranchID != nil {
		v := domain.BranchID(*r.BranchID)
		p.BranchID = &v
	}
	if r.ServiceID != nil {
		v := domain.ServiceID(*r.ServiceID)
		p.ServiceID = &v
	}
	return p
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type CompleteRequest struct {
	PaymentType string    `json:"payment_type,omitempty"`
	Method      string    `json:"payment_method,omitempty"`
	Payments    *SplitDTO `json:"payments,omitempty"`
	GiftCard    string    `json:"gift_card_number,omitempty"`
	GrantIndex  *int      `json:"grant_index,omitempty"`
	PackageID   string    `json:"package_id,omitempty"`
	Tips        *SplitDTO `json:"tips,omitempty"`
}

func (r CompleteRequest) request() settlement.Request {
	return settlement.Request{
		PaymentType:    domain.PaymentType(r.PaymentType),
		Method:         domain.PaymentMethod(r.Method),
		Payments:       r.Payments.split(),
		InstrumentCode: r.GiftCard,
		GrantIndex:     r.GrantIndex,
		PackageID:      domain.PackageID(r.PackageID),
		Tips:           r.Tips.split(),
	}
}

type CompleteResponse struct {
	Appointment  AppointmentDTO `json:"appointment"`
	FeedbackLink string         `json:"feedback_link,omitempty"`
}

type FeedbackRequest struct {
	Response string `json:"response"`
	Rating   int    `json:"rating"`
}

// =============================================================================
// BLOCKS
// =============================================================================

type BlockDTO struct {
	ID        string    `json:"id"`
	StaffID   string    `json:"staff_id"`
	BranchID  string    `json:"branch_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Reason    string    `json:"reason,omitempty"`
	BlockedBy string    `json:"blocked_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toBlockDTO(b domain.BlockedRange) BlockDTO {
	return BlockDTO{
		ID: b.ID, StaffID: string(b.StaffID), BranchID: string(b.BranchID),
		Start: b.Range.Start, End: b.Range.End, Reason: b.Reason,
		BlockedBy: string(b.BlockedBy), CreatedAt: b.CreatedAt,
	}
}

type BlockRequest struct {
	StaffID  string    `json:"staff_id"`
	BranchID string    `json:"branch_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Reason   string    `json:"reason,omitempty"`
}

// WeeklyBlockRequest names weekdays ("monday") and a day range.
type WeeklyBlockRequest struct {
	StaffID  string   `json:"staff_id"`
	BranchID string   `json:"branch_id"`
	Weekdays []string `json:"weekdays"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Reason   string   `json:"reason,omitempty"`
}

type SkippedDayDTO struct {
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

type WeeklyBlockResponse struct {
	Blocked []BlockDTO      `json:"blocked"`
	Skipped []SkippedDayDTO `json:"skipped"`
}

func toWeeklyBlockResponse(res *booking.WeeklyBlockResult) WeeklyBlockResponse {
	out := WeeklyBlockResponse{Blocked: []BlockDTO{}, Skipped: []SkippedDayDTO{}}
	for _, b := range res.Blocked {
		out.Blocked = append(out.Blocked, toBlockDTO(b))
	}
	for _, s := range res.Skipped {
		out.Skipped = append(out.Skipped, SkippedDayDTO{Date: s.Date.Format(dayLayout), Reason: s.Reason})
	}
	return out
}

// =============================================================================
// GIFT CARDS AND PACKAGES
// =============================================================================

type GrantDTO struct {
	Index       int             `json:"index"`
	ServiceID   string          `json:"service_id"`
	Duration    int             `json:"duration"`
	Price       decimal.Decimal `json:"price"`
	Used        bool            `json:"used"`
	UsedAt      *time.Time      `json:"used_at,omitempty"`
	UsedBy      string          `json:"used_by,omitempty"`
	Appointment string          `json:"appointment_id,omitempty"`
}

type GiftCardDTO struct {
	CardNumber        string          `json:"card_number"`
	BranchID          string          `json:"branch_id"`
	PurchasedBy       string          `json:"purchased_by,omitempty"`
	PurchaseDate      time.Time       `json:"purchase_date"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Price             decimal.Decimal `json:"price"`
	PaymentMethod     string          `json:"payment_method"`
	Notes             string          `json:"notes,omitempty"`
	Shape             string          `json:"shape"`
	Services          []GrantDTO      `json:"services"`
	IsUsed            bool            `json:"is_used"`
	UsedAt            *time.Time      `json:"used_at,omitempty"`
	UsedBy            string          `json:"used_by,omitempty"`
	UsedInAppointment string          `json:"used_in_appointment,omitempty"`
}

func toGiftCardDTO(c *domain.GiftCard) GiftCardDTO {
	dto := GiftCardDTO{
		CardNumber: c.Code, BranchID: string(c.BranchID), PurchasedBy: string(c.PurchasedBy),
		PurchaseDate: c.PurchaseDate, ExpiresAt: c.ExpiresAt, Price: c.Price,
		PaymentMethod: string(c.PaymentMethod), Notes: c.Notes, Shape: string(c.Redeemable.Shape()),
		Services: []GrantDTO{}, IsUsed: c.IsFullyUsed(), UsedAt: c.UsedAt, UsedBy: string(c.UsedBy),
		UsedInAppointment: string(c.UsedInAppointment),
	}
	for i, g := range c.Redeemable.Grants() {
		dto.Services = append(dto.Services, GrantDTO{
			Index: i, ServiceID: string(g.ServiceID), Duration: g.Duration, Price: g.Price,
			Used: g.Used, UsedAt: g.UsedAt, UsedBy: string(g.UsedBy), Appointment: string(g.Appointment),
		})
	}
	return dto
}

type ValidationDTO struct {
	Valid     bool        `json:"valid"`
	Card      GiftCardDTO `json:"gift_card"`
	Available []int       `json:"available_services"`
	Total     int         `json:"total_services"`
	Used      int         `json:"used_services"`
	Remaining int         `json:"remaining_services"`
}

func toValidationDTO(v *instrument.Validation) ValidationDTO {
	available := v.Available
	if available == nil {
		available = []int{}
	}
	return ValidationDTO{
		Valid: true, Card: toGiftCardDTO(v.Card), Available: available,
		Total: v.Stats.Total, Used: v.Stats.Used, Remaining: v.Stats.Remaining,
	}
}

type ConsumeRequest struct {
	CustomerID    string `json:"customer_id"`
	AppointmentID string `json:"appointment_id"`
	GrantIndex    *int   `json:"service_index,omitempty"`
}

type NotesRequest struct {
	Notes string `json:"notes"`
}

type GiftCardStatsDTO struct {
	BranchID    string          `json:"branch_id"`
	Total       int             `json:"total_cards"`
	Used        int             `json:"used_cards"`
	Active      int             `json:"active_cards"`
	Expired     int             `json:"expired_cards"`
	Revenue     decimal.Decimal `json:"total_revenue"`
	UsedRevenue decimal.Decimal `json:"used_revenue"`
}

type PackageDTO struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customer_id"`
	ServiceID       string          `json:"service_id"`
	Duration        int             `json:"duration"`
	BranchID        string          `json:"branch_id"`
	TotalVisits     int             `json:"total_visits"`
	RemainingVisits int             `json:"remaining_visits"`
	Price           decimal.Decimal `json:"price"`
	PaymentMethod   string          `json:"payment_method"`
	Visits          []VisitDTO      `json:"visits"`
	IsActive        bool            `json:"is_active"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type VisitDTO struct {
	Date          time.Time `json:"date"`
	AppointmentID string    `json:"appointment_id,omitempty"`
}

func toPackageDTO(p *domain.Package) PackageDTO {
	dto := PackageDTO{
		ID: string(p.ID), CustomerID: string(p.CustomerID), ServiceID: string(p.ServiceID),
		Duration: p.Duration, BranchID: string(p.BranchID), TotalVisits: p.TotalVisits,
		RemainingVisits: p.RemainingVisits, Price: p.Price, PaymentMethod: string(p.PaymentMethod),
		Visits: []VisitDTO{}, IsActive: p.IsActive, Notes: p.Notes, CreatedAt: p.CreatedAt,
	}
	for _, v := range p.Visits {
		dto.Visits = append(dto.Visits, VisitDTO{Date: v.Date, AppointmentID: string(v.AppointmentID)})
	}
	return dto
}

type UseVisitRequest struct {
	AppointmentID string `json:"appointment_id"`
}

// =============================================================================
// EXPENSES AND CUSTOMERS
// =============================================================================

type ExpenseDTO struct {
	ID          string          `json:"id"`
	BranchID    string          `json:"branch_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Date        string          `json:"date"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ExpenseRequest struct {
	BranchID    string          `json:"branch_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Date        string          `json:"date,omitempty"`
}

type CustomerDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}
