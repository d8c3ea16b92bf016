package patient

import (
	"time"

	"github.com/clinic/clinic/internal/platform/store"
)

// Collection is the top-level node holding every patient record.
const Collection = "patients"

// AuditDeletions holds one entry per admin patient deletion.
const AuditDeletions = "audit/deletions"

// Appointment statuses.
const (
	StatusPending   = "pending"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Visit kinds.
const (
	VisitMedical = "medical"
	VisitDental  = "dental"
)

type Patient struct {
	ID               string                 `json:"id"`
	PersonalInfo     PersonalInfo           `json:"personalInfo"`
	ContactInfo      ContactInfo            `json:"contactInfo"`
	MedicalInfo      MedicalInfo            `json:"medicalInfo"`
	RegistrationInfo RegistrationInfo       `json:"registrationInfo"`
	Appointment      *Appointment           `json:"appointments,omitempty"`
	Visits           map[string]Visit       `json:"visits,omitempty"`
	Examinations     map[string]Examination `json:"examinations,omitempty"`
	History          *History               `json:"history,omitempty"`
}

type PersonalInfo struct {
	FullName    string `json:"fullName" validate:"required,max=200"`
	DateOfBirth string `json:"dateOfBirth,omitempty" validate:"omitempty,date"`
	Gender      string `json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
}

type ContactInfo struct {
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty" validate:"omitempty,max=40"`
	Address string `json:"address,omitempty" validate:"omitempty,max=500"`
}

type MedicalInfo struct {
	BloodType          string `json:"bloodType,omitempty"`
	Allergies          string `json:"allergies,omitempty"`
	Conditions         string `json:"conditions,omitempty"`
	CurrentMedications string `json:"currentMedications,omitempty"`
}

type RegistrationInfo struct {
	RegisteredAt    time.Time  `json:"registeredAt"`
	RegisteredBy    string     `json:"registeredBy,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
	LastVisit       *time.Time `json:"lastVisit,omitempty"`
	LastDentalVisit *time.Time `json:"lastDentalVisit,omitempty"`
	NextAppointment string     `json:"nextAppointment,omitempty"`
}

// Appointment is the single appointment slot of a patient.
type Appointment struct {
	PatientID       string     `json:"patientId"`
	PatientName     string     `json:"patientName"`
	AppointmentDate string     `json:"appointmentDate"`
	AppointmentTime string     `json:"appointmentTime"`
	Description     string     `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	Status          string     `json:"status"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

type Prescription struct {
	MedicineID string `json:"medicineId" validate:"required,numeric,len=3"`
	Name       string `json:"name,omitempty"`
	Quantity   int    `json:"quantity" validate:"gt=0"`
	Dosage     string `json:"dosage,omitempty"`
}

type Visit struct {
	Kind           string         `json:"kind"`
	VisitedAt      time.Time      `json:"visitedAt"`
	PractitionerID string         `json:"practitionerId,omitempty"`
	Complaint      string         `json:"complaint,omitempty"`
	Diagnosis      string         `json:"diagnosis,omitempty"`
	Treatment      string         `json:"treatment,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Prescriptions  []Prescription `json:"prescriptions,omitempty"`
	ExaminationKey string         `json:"examinationKey,omitempty"`
}

type Examination struct {
	Kind       string            `json:"kind"`
	ExaminedAt time.Time         `json:"examinedAt"`
	VisitKey   string            `json:"visitKey"`
	VitalSigns map[string]string `json:"vitalSigns,omitempty"`
	Findings   map[string]string `json:"findings,omitempty"`
	Notes      string            `json:"notes,omitempty"`
}

// History is the denormalized summary rewritten on every visit.
type History struct {
	VisitCount    int       `json:"visitCount"`
	DentalVisits  int       `json:"dentalVisits"`
	LastVisitKey  string    `json:"lastVisitKey"`
	LastVisitKind string    `json:"lastVisitKind"`
	LastVisitAt   time.Time `json:"lastVisitAt"`
	LastDiagnosis string    `json:"lastDiagnosis,omitempty"`
	LastTreatment string    `json:"lastTreatment,omitempty"`
}

type DeletionAudit struct {
	PatientID      string    `json:"patientId"`
	PatientName    string    `json:"patientName"`
	HadAppointment bool      `json:"hadAppointment"`
	DeletedBy      string    `json:"deletedBy"`
	Reason         string    `json:"reason,omitempty"`
	DeletedAt      time.Time `json:"deletedAt"`
}

func Path(id string) string             { return store.Join(Collection, id) }
func AppointmentPath(id string) string  { return store.Join(Collection, id, "appointments") }
func RegistrationPath(id string) string { return store.Join(Collection, id, "registrationInfo") }
func ContactPath(id string) string      { return store.Join(Collection, id, "contactInfo") }
func VisitsPath(id string) string       { return store.Join(Collection, id, "visits") }
func ExaminationsPath(id string) string { return store.Join(Collection, id, "examinations") }
func HistoryPath(id string) string      { return store.Join(Collection, id, "history") }

// DecodeSnapshot turns the snapshot of a patient node into a Patient. The
// id is taken from the snapshot key.
func DecodeSnapshot(snap store.Snapshot) (*Patient, error) {
	var p Patient
	if err := snap.Decode(&p); err != nil {
		return nil, err
	}
	p.ID = snap.Key()
	return &p, nil
}
