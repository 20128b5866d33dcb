package job

// ManagerBuilderOption is a functional option applied to a Manager during construction via NewManager.
type ManagerBuilderOption func(*Manager)

// WithRunnerCount sets how many runner goroutines the manager starts. Values below 1 are raised to 1.
//
// Parameters:
//   - n: the number of runners
//
// Returns:
//   - ManagerBuilderOption: a function that applies the runner count option to a manager
func WithRunnerCount(n int) ManagerBuilderOption {
	return func(m *Manager) {
		m.runnerCount = max(n, 1)
	}
}
