package models

type Clinic struct {
	ClinicID        string  `json:"clinic_id"`
	Name            string  `json:"name"`
	AssignedStaffID *string `json:"assigned_staff_id,omitempty"`
	Active          bool    `json:"active"`
}

type Patient struct {
	PatientID string `json:"patient_id"`
	FullName  string `json:"full_name"`
}

type ClinicStats struct {
	ClinicID   string `json:"clinic_id"`
	ServiceDay string `json:"service_day"`
	Total      int    `json:"total"`
	Waiting    int    `json:"waiting"`
	InProgress int    `json:"in_progress"`
	Finished   int    `json:"finished"`
	Absent     int    `json:"absent"`
}
