package adminapi

// Init registers every admin API route on the web server.
func Init() {
	registerAuthRoutes()
	registerDeviceRoutes()
	registerEmployeeRoutes()
	registerCommandRoutes()
	registerPunchRoutes()
	registerAttendanceRoutes()
	registerDeviceLogRoutes()
	registerSettingsRoutes()
	registerSchedulerRoutes()
	registerSystemRoutes()
}
