package atheneum

func NewCentralDummy(logfile string) *Central {
	userStore := newDummyUserStore()
	sessionDB := newDummySessionDB()
	containerDB := newDummyContainerDB()
	appDB := newDummyAppDB()
	tokenDB := newDummyTokenDB()
	central := NewCentral(logfile, userStore, sessionDB, containerDB, appDB, tokenDB)
	return central
}
