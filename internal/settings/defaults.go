package settings

// Defaults returns a freshly built default document. The returned value
// shares no memory with other calls.
func Defaults() Document {
	return Document{
		System: SystemSettings{
			CompanyName:        "Transit Operations",
			SupportEmail:       "support@example.com",
			SupportPhone:       "+15555550100",
			WebsiteURL:         "https://example.com",
			Timezone:           "UTC",
			Currency:           "USD",
			DateFormat:         "YYYY-MM-DD",
			Language:           "en",
			MaintenanceMode:    false,
			MaintenanceMessage: "The system is undergoing scheduled maintenance.",
		},
		Security: SecuritySettings{
			TwoFactorRequired:      false,
			SessionEncryption:      true,
			SessionTimeoutMinutes:  60,
			MaxLoginAttempts:       5,
			LockoutDurationMinutes: 15,
			PasswordMinLength:      8,
			PasswordRequireSpecial: false,
			PasswordExpiryDays:     90,
			IPWhitelist:            []string{},
			RateLimitEnabled:       true,
			RateLimitMaxRequests:   100,
		},
		Notifications: NotificationSettings{
			EmailEnabled:    true,
			SMSEnabled:      false,
			PushEnabled:     false,
			AlertEmail:      "alerts@example.com",
			AlertPhone:      "",
			WebhookURL:      "",
			DigestFrequency: "daily",
			SMTP: SMTPSettings{
				Host:        "localhost",
				Port:        587,
				Secure:      false,
				Username:    "",
				FromAddress: "no-reply@example.com",
			},
		},
		Operations: OperationsSettings{
			DispatchMode:          "manual",
			AutoAssignDrivers:     false,
			MinBookingNoticeMins:  30,
			MaxAdvanceBookingDays: 30,
			MaxPassengersPerTrip:  4,
			CancellationLimitHrs:  2,
			DailyTripLimit:        500,
			DriverSearchRadiusKm:  10,
			ServiceHours: ServiceHours{
				Start: "06:00",
				End:   "22:00",
			},
		},
		Integrations: IntegrationSettings{
			MapsProvider:      "osm",
			MapsAPIURL:        "https://nominatim.openstreetmap.org",
			PaymentGatewayURL: "",
			SMSGatewayURL:     "",
		},
	}
}
