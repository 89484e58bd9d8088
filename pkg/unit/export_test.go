package unit

// HasHandle exposes the handle witness to tests
func (u *Unit) HasHandle() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.handle != nil
}
