package cache

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ninowalker/jmemcache-daemon-sub000/arena"
)

var _ = Describe("evictionList", func() {
	var (
		l *evictionList
		a *arena.Arena
	)
	testNode := func() *node {
		e := testEntry()
		r, err := a.Alloc(e.Size())
		Expect(err).NotTo(HaveOccurred())
		return newNode(e.Key, e.meta(), r)
	}
	pushNodes := func(num int) (nodes []*node) {
		for i := 0; i < num; i++ {
			n := testNode()
			l.pushBack(n)
			nodes = append(nodes, n)
		}
		return
	}
	BeforeEach(func() {
		resetTestKeys()
		a = newTestArena(64)
		l = newEvictionList()
	})
	AfterEach(func() {
		var bytes int64
		for _, n := range l.nodes() {
			Expect(n.next.prev).To(BeIdenticalTo(n))
			bytes += n.size()
		}
		Expect(l.nodes()).To(HaveLen(l.len))
		Expect(l.bytes).To(Equal(bytes))
	})

	It("empty", func() {
		Expect(l.front()).To(BeNil())
		Expect(l.len).To(BeZero())
	})

	It("push back keeps order", func() {
		nodes := pushNodes(3)
		Expect(l.nodes()).To(Equal(nodes))
		Expect(l.front()).To(BeIdenticalTo(nodes[0]))
		Expect(l.bytes).To(BeEquivalentTo(3 * testNodeSize))
		for _, n := range nodes {
			Expect(n.linked()).To(BeTrue())
		}
	})

	It("zero size node", func() {
		r, err := a.Alloc(0)
		Expect(err).NotTo(HaveOccurred())
		l.pushBack(newNode(KeyString(testKey()), meta{}, r))
		Expect(l.bytes).To(BeZero())
		Expect(l.len).To(Equal(1))
	})

	assertMoveToBack := func(desc string, moved int, expected []int) {
		It(desc, func() {
			nodes := pushNodes(3)
			l.moveToBack(nodes[moved])
			var order []int
			for _, n := range l.nodes() {
				for i := range nodes {
					if nodes[i] == n {
						order = append(order, i)
					}
				}
			}
			Expect(order).To(Equal(expected))
		})
	}
	assertMoveToBack("move front to back", 0, []int{1, 2, 0})
	assertMoveToBack("move middle to back", 1, []int{0, 2, 1})
	assertMoveToBack("move back to back", 2, []int{0, 1, 2})

	It("remove", func() {
		nodes := pushNodes(3)
		l.remove(nodes[1])
		Expect(l.nodes()).To(Equal([]*node{nodes[0], nodes[2]}))
		Expect(nodes[1].linked()).To(BeFalse())
		Expect(l.bytes).To(BeEquivalentTo(2 * testNodeSize))
		l.remove(nodes[0])
		l.remove(nodes[2])
		Expect(l.front()).To(BeNil())
	})

	It("remove and push again", func() {
		nodes := pushNodes(2)
		l.remove(nodes[0])
		l.pushBack(nodes[0])
		Expect(l.nodes()).To(Equal([]*node{nodes[1], nodes[0]}))
	})
})
