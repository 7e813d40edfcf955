package listsync

import "errors"

// ErrPageOutOfRange is returned by SetPage for pages outside the known total.
var ErrPageOutOfRange = errors.New("page out of range")

// Window returns the half-open row window [start, end) of page p, clamped
// to total. Pages are 1-based.
func Window(page, size, total int) (start, end int) {
	if page < 1 || size <= 0 {
		return 0, 0
	}
	start = (page - 1) * size
	end = page * size
	if total < 0 {
		total = 0
	}
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end
}

func canPrev(page int) bool {
	return page > 1
}

func canNext(page, size, total int) bool {
	return page*size < total
}

func pageAllowed(page, size, total int) bool {
	if page < 1 {
		return false
	}
	if page == 1 {
		return true
	}
	return (page-1)*size < total
}

func lastPage(size, total int) int {
	if total <= 0 || size <= 0 {
		return 1
	}
	return (total + size - 1) / size
}
